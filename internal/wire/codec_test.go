/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"strings"
	"testing"
)

func hexOf(n int, ch byte) string {
	return strings.Repeat(string(ch), n)
}

func TestDecodeSerialNo(t *testing.T) {
	p, err := NewCodec().Decode("#serialno:SN-1234!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindSerialNo || p.Serial != "SN-1234" || p.ClientIP != "10.0.0.5" {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestDecodeLocID(t *testing.T) {
	p, err := NewCodec().Decode("#locid:room-42!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindLocID || p.LocID != "room-42" {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestDecodeFrameSuffixForm(t *testing.T) {
	hex := hexOf(gridHexLen, 'a')
	p, err := NewCodec().Decode("#frameroom-1:"+hex+"!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindFrame || p.LocID != "room-1" || p.HexPayload != hex {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestDecodeFrameEmbeddedColonForm(t *testing.T) {
	hex := hexOf(fullFrameHexLen, 'b')
	p, err := NewCodec().Decode("#frame:room-2:"+hex+"!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "room-2" || len(p.HexPayload) != fullFrameHexLen {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestDecodeFrameNoLocFallsBackToEmpty(t *testing.T) {
	hex := hexOf(gridHexLen, 'c')
	p, err := NewCodec().Decode("#frame:"+hex+"!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "" {
		t.Fatalf("expected empty loc_id for caller-side resolution, got %q", p.LocID)
	}
}

func TestDecodeFrameBadLength(t *testing.T) {
	_, err := NewCodec().Decode("#frame:"+hexOf(100, 'a')+"!", "10.0.0.5")
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestDecodeFrameBadHex(t *testing.T) {
	bad := hexOf(gridHexLen-1, 'a') + "z"
	_, err := NewCodec().Decode("#frame:"+bad+"!", "10.0.0.5")
	if err == nil {
		t.Fatal("expected bad hex error")
	}
}

func TestDecodeSensorTolerant(t *testing.T) {
	p, err := NewCodec().Decode("#Sensorroom-3:ADC1=100,ADC2=3.5,MPY30=42!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "room-3" {
		t.Fatalf("unexpected loc: %q", p.LocID)
	}
	if v := p.Readings["ADC1"]; v.IsFloat || v.Int != 100 {
		t.Fatalf("unexpected ADC1: %+v", v)
	}
	if v := p.Readings["ADC2"]; !v.IsFloat || v.Float != 3.5 {
		t.Fatalf("unexpected ADC2: %+v", v)
	}
}

func TestDecodeSensorInlineColonWithStrippedKey(t *testing.T) {
	p, err := NewCodec().Decode("#Sensor:roomX:ADC1=100,ADC2=200,ADC3:=905!", "10.0.0.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "roomX" {
		t.Fatalf("unexpected loc: %q", p.LocID)
	}
	want := map[string]int64{"ADC1": 100, "ADC2": 200, "ADC3": 905}
	for k, wantV := range want {
		v, ok := p.Readings[k]
		if !ok {
			t.Fatalf("missing reading %q in %+v", k, p.Readings)
		}
		if v.IsFloat || v.Int != wantV {
			t.Fatalf("unexpected %s: %+v", k, v)
		}
	}
	if _, ok := p.Readings["ADC3:"]; ok {
		t.Fatalf("trailing colon should have been stripped from key, got %+v", p.Readings)
	}
}

func TestDecodeEeprom(t *testing.T) {
	hex := hexOf(eeprom1HexLen, 'd')
	p, err := NewCodec().Decode("#EEPROM7:"+hex+"!", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindEeprom || p.EepromFrameID != "7" || p.HexPayload != hex {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestDecodeErrors(t *testing.T) {
	c := NewCodec()
	cases := []string{
		"",
		"no-framing-at-all",
		"#missingbang",
		"#noseparator!",
		"#bogus:payload!",
	}
	for _, line := range cases {
		if _, err := c.Decode(line, "1.2.3.4"); err == nil {
			t.Errorf("expected error decoding %q", line)
		}
	}
}

func TestRoundTripSerialNo(t *testing.T) {
	line := strings.TrimSuffix(EncodeSerialNo("SN-9001"), "\n")
	p, err := NewCodec().Decode(line, "10.0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindSerialNo || p.Serial != "SN-9001" {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func TestRoundTripLocID(t *testing.T) {
	line := strings.TrimSuffix(EncodeLocID("lobby"), "\n")
	p, err := NewCodec().Decode(line, "10.0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindLocID || p.LocID != "lobby" {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func TestRoundTripEeprom(t *testing.T) {
	hex := hexOf(eeprom1HexLen, 'f')
	line := strings.TrimSuffix(EncodeEeprom("3", hex), "\n")
	p, err := NewCodec().Decode(line, "10.0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != KindEeprom || p.EepromFrameID != "3" || p.HexPayload != hex {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func TestRoundTripFrame(t *testing.T) {
	hex := hexOf(gridHexLen, 'e')
	line := EncodeFrame("room-9", hex)
	line = strings.TrimSuffix(line, "\n")
	p, err := NewCodec().Decode(line, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "room-9" || p.HexPayload != hex {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func TestRoundTripSensor(t *testing.T) {
	readings := map[string]SensorValue{
		"ADC1":  {Int: 10},
		"MPY30": {Float: 12.5, IsFloat: true},
	}
	line := strings.TrimSuffix(EncodeSensor("room-4", readings), "\n")
	p, err := NewCodec().Decode(line, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LocID != "room-4" || len(p.Readings) != 2 {
		t.Fatalf("round trip mismatch: %+v", p)
	}
	if p.Readings["ADC1"].Int != 10 || p.Readings["MPY30"].Float != 12.5 {
		t.Fatalf("round trip value mismatch: %+v", p.Readings)
	}
}
