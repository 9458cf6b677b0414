package queue

import "testing"

func TestPushDrainFIFO(t *testing.T) {
	q := NewRingQueue(4)
	q.Push(Item{Line: "a"})
	q.Push(Item{Line: "b"})
	q.Push(Item{Line: "c"})
	out := q.DrainUpTo(2)
	if len(out) != 2 || out[0].Line != "a" || out[1].Line != "b" {
		t.Fatalf("unexpected drain: %+v", out)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	q := NewRingQueue(3)
	q.Push(Item{Line: "1"})
	q.Push(Item{Line: "2"})
	q.Push(Item{Line: "3"})
	if dropped := q.Push(Item{Line: "4"}); !dropped {
		t.Fatal("expected drop on 4th push into capacity-3 queue")
	}
	out := q.DrainUpTo(3)
	if len(out) != 3 || out[0].Line != "2" || out[2].Line != "4" {
		t.Fatalf("unexpected contents after overflow: %+v", out)
	}
}

func TestSustainedOverloadDropsAtLeastHalf(t *testing.T) {
	const cap = 10000
	const pushed = 15000
	q := NewRingQueue(cap)
	for i := 0; i < pushed; i++ {
		q.Push(Item{Line: "x"})
	}
	if q.Dropped() < uint64(pushed-cap) {
		t.Fatalf("expected at least %d drops, got %d", pushed-cap, q.Dropped())
	}
}

func TestDrainUpToMoreThanAvailable(t *testing.T) {
	q := NewRingQueue(5)
	q.Push(Item{Line: "a"})
	out := q.DrainUpTo(10)
	if len(out) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out))
	}
}
