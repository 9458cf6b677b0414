/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package batchparser drains the ingest queue on a fixed tick, decodes
// each line through the wire codec, applies location resolution and
// thermal calibration, and forwards decoded events to the aggregator and
// any configured IngestionSink.
package batchparser

import (
	"context"
	"time"

	"thermalguard/internal/aggregator"
	"thermalguard/internal/glog"
	"thermalguard/internal/locresolver"
	"thermalguard/internal/metrics"
	"thermalguard/internal/queue"
	"thermalguard/internal/thermal"
	"thermalguard/internal/wire"
)

// DispatchSink is implemented by ingestserver.Server; it lets the parser
// request an EEPROM1 read when calibration is still outstanding.
type DispatchSink interface {
	Dispatch(ip, cmd string) error
}

// IngestionSink receives every successfully decoded packet, in addition
// to the aggregator's internal bookkeeping. A daemon wires this to
// whatever downstream consumer (event log, external bus) it needs; it is
// optional.
type IngestionSink interface {
	Ingest(pkt wire.Packet)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{TickInterval: 50 * time.Millisecond, BatchSize: 2000}
}

type Parser struct {
	cfg    Config
	codec  *wire.Codec
	q      *queue.RingQueue
	fd     *thermal.FrameDecoder
	loc    *locresolver.Resolver
	agg    *aggregator.Aggregator
	disp   DispatchSink
	sink   IngestionSink
	log    *glog.Logger
	m      *metrics.Metrics
}

func New(cfg Config, q *queue.RingQueue, fd *thermal.FrameDecoder, loc *locresolver.Resolver,
	agg *aggregator.Aggregator, disp DispatchSink, sink IngestionSink, log *glog.Logger, m *metrics.Metrics) *Parser {
	if log == nil {
		log = glog.NewDiscard()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Parser{
		cfg: cfg, codec: wire.NewCodec(), q: q, fd: fd, loc: loc,
		agg: agg, disp: disp, sink: sink, log: log, m: m,
	}
}

// Run ticks at cfg.TickInterval, draining up to cfg.BatchSize lines per
// tick, until ctx is canceled.
func (p *Parser) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce()
		}
	}
}

func (p *Parser) drainOnce() {
	items := p.q.DrainUpTo(p.cfg.BatchSize)
	for _, it := range items {
		p.handleLine(it)
		if p.m != nil && !it.EnqueuedAt.IsZero() {
			p.m.PacketLatency.Observe(time.Since(it.EnqueuedAt).Seconds())
		}
	}
}

func (p *Parser) handleLine(it queue.Item) {
	pkt, err := p.codec.Decode(it.Line, it.ClientIP)
	if err != nil {
		p.log.Warn("decode error", glog.KV("client_ip", it.ClientIP), glog.KVErr(err))
		if p.m != nil {
			p.m.ErrorsTotal.WithLabelValues(it.ClientIP, "decode").Inc()
		}
		return
	}

	locID := p.resolveLoc(pkt)
	pkt.LocID = locID

	if p.m != nil {
		p.m.PacketsTotal.WithLabelValues(locID, pkt.Kind.String()).Inc()
	}

	switch pkt.Kind {
	case wire.KindLocID:
		if p.loc != nil {
			if err := p.loc.Set(pkt.ClientIP, pkt.LocID); err != nil {
				p.log.Warn("locresolver set failed", glog.KVErr(err))
			}
		}
	case wire.KindFrame:
		p.handleFrame(pkt)
	case wire.KindSensor:
		if p.agg != nil {
			p.agg.ObserveSensor(locID, pkt.Readings)
		}
	case wire.KindEeprom:
		if err := p.fd.ApplyEeprom1(pkt.HexPayload); err != nil {
			p.log.Warn("eeprom1 apply failed", glog.KV("frame_id", pkt.EepromFrameID), glog.KVErr(err))
			if p.m != nil {
				p.m.ErrorsTotal.WithLabelValues(locID, "calibration").Inc()
			}
		}
	case wire.KindSerialNo:
		// no location-dependent action; forwarded to sink below
	}

	if p.sink != nil {
		p.sink.Ingest(pkt)
	}
}

// resolveLoc applies the full chain: inline loc_id from the wire codec,
// then LocResolver, then client_ip as the final fallback.
func (p *Parser) resolveLoc(pkt wire.Packet) string {
	if pkt.LocID != "" {
		return pkt.LocID
	}
	if p.loc != nil {
		if loc, ok := p.loc.Get(pkt.ClientIP); ok {
			return loc
		}
	}
	return pkt.ClientIP
}

func (p *Parser) handleFrame(pkt wire.Packet) {
	grid, embeddedEeprom, calibrated, err := p.fd.DecodeFrame(pkt.HexPayload)
	if err != nil {
		p.log.Warn("frame decode error", glog.KV("loc_id", pkt.LocID), glog.KVErr(err))
		if p.m != nil {
			p.m.ErrorsTotal.WithLabelValues(pkt.LocID, "frame").Inc()
		}
		return
	}
	// Only solicit an authoritative EEPROM1 read when the embedded EEPROM
	// this frame carried did not itself supply a usable calibration, not
	// on every frame until EEPROM1 happens to land.
	embeddedOK := embeddedEeprom != "" && p.fd.UseEEPROM && thermal.IsEmbeddedEEPROMValid(embeddedEeprom)
	if !embeddedOK && p.fd.Calib.NeedsRequest() && p.disp != nil {
		if err := p.disp.Dispatch(pkt.ClientIP, "EEPROM1"); err == nil {
			p.fd.Calib.MarkRequestSent()
		}
	}
	if p.agg != nil && calibrated {
		p.agg.ObserveFrame(pkt.LocID, grid)
	}
}
