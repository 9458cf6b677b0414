/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dispatcher runs the per-second tick that drives outbound
// command traffic to registered devices: one-shot PERIOD_ON for
// continuous-mode devices, and REQUEST1 polling on each device's
// configured interval for on-demand devices. Outbound commands are
// token-bucket limited so a large fleet can't be flooded in one tick.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"thermalguard/internal/glog"
	"thermalguard/internal/metrics"
	"thermalguard/internal/registry"
)

// Sink is implemented by ingestserver.Server.
type Sink interface {
	Dispatch(ip, cmd string) error
}

// Registry is the subset of registry.Registry the dispatcher needs,
// narrowed so tests can supply an in-memory fake.
type Registry interface {
	List() ([]registry.DeviceRecord, error)
}

type Config struct {
	TickInterval time.Duration
	RateLimitHz  float64
	RateBurst    int
}

func DefaultConfig() Config {
	return Config{TickInterval: time.Second, RateLimitHz: 50, RateBurst: 100}
}

type deviceState struct {
	periodicOnSent bool
	lastPoll       time.Time
}

type Dispatcher struct {
	cfg  Config
	reg  Registry
	sink Sink
	log  *glog.Logger
	m    *metrics.Metrics

	limiter *rate.Limiter

	mu     sync.Mutex
	states map[int64]*deviceState
}

func New(cfg Config, reg Registry, sink Sink, log *glog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = glog.NewDiscard()
	}
	return &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		sink:    sink,
		log:     log,
		m:       m,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitHz), cfg.RateBurst),
		states:  make(map[int64]*deviceState),
	}
}

// Run ticks at cfg.TickInterval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	devices, err := d.reg.List()
	if err != nil {
		d.log.Warn("dispatcher: failed to list devices", glog.KVErr(err))
		return
	}
	now := time.Now()
	for _, dev := range devices {
		d.mu.Lock()
		st, ok := d.states[dev.ID]
		if !ok {
			st = &deviceState{}
			d.states[dev.ID] = st
		}
		d.mu.Unlock()

		switch dev.Mode {
		case registry.ModeContinuous:
			if !st.periodicOnSent {
				if d.send(ctx, dev, "PERIOD_ON") {
					d.mu.Lock()
					st.periodicOnSent = true
					d.mu.Unlock()
				}
			}
		case registry.ModeOnDemand:
			poll := dev.PollSeconds
			if poll <= 0 {
				poll = 1
			}
			if st.lastPoll.IsZero() || now.Sub(st.lastPoll) >= time.Duration(poll)*time.Second {
				if d.send(ctx, dev, "REQUEST1") {
					d.mu.Lock()
					st.lastPoll = now
					d.mu.Unlock()
				}
			}
		}
	}
}

// SetRateLimit adjusts the outbound token-bucket limiter in place, so a
// config reload can retune fleet command throughput without restarting
// the dispatcher's tick goroutine.
func (d *Dispatcher) SetRateLimit(hz float64, burst int) {
	d.limiter.SetLimit(rate.Limit(hz))
	d.limiter.SetBurst(burst)
}

func (d *Dispatcher) send(ctx context.Context, dev registry.DeviceRecord, cmd string) bool {
	if err := d.limiter.Wait(ctx); err != nil {
		return false
	}
	if err := d.sink.Dispatch(dev.IP, cmd); err != nil {
		d.log.Warn("dispatch failed", glog.KV("device_uuid", dev.UUID), glog.KV("cmd", cmd), glog.KVErr(err))
		return false
	}
	if d.m != nil {
		d.m.DispatchTotal.WithLabelValues(cmd).Inc()
	}
	return true
}
