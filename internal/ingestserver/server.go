/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ingestserver is the TCP front door: one goroutine accepts
// connections, one goroutine per connection reads newline-framed wire
// lines into the bounded queue, and the server exposes a Dispatch method
// so the Dispatcher and BatchParser can push commands back down to
// connected devices - including the NAT single-client fallback when a
// device's self-reported IP doesn't match its live socket.
package ingestserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"thermalguard/internal/connstate"
	"thermalguard/internal/glog"
	"thermalguard/internal/metrics"
	"thermalguard/internal/queue"
	"thermalguard/internal/thermal"
)

const (
	CmdPeriodOn = "PERIOD_ON"
	CmdRequest1 = "REQUEST1"
	CmdEeprom1  = "EEPROM1"
)

var ErrNoSuchConnection = errors.New("ingestserver: no live connection for that client")

type Config struct {
	BindAddr      string
	ReadTimeout   time.Duration
	QueueCapacity int
}

func DefaultConfig() Config {
	return Config{
		BindAddr:      ":9001",
		ReadTimeout:   30 * time.Second,
		QueueCapacity: 10000,
	}
}

// Server is the TCP ingest front door (C6).
type Server struct {
	cfg   Config
	queue *queue.RingQueue
	conns *connstate.Table
	calib *thermal.CalibrationStore
	log   *glog.Logger
	m     *metrics.Metrics

	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg Config, calib *thermal.CalibrationStore, log *glog.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = glog.NewDiscard()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:   cfg,
		queue: queue.NewRingQueue(cfg.QueueCapacity),
		conns: connstate.NewTable(),
		calib: calib,
		log:   log,
		m:     m,
	}
}

func (s *Server) Queue() *queue.RingQueue { return s.queue }

// ListenAndServe binds the listener and accepts connections until ctx is
// canceled, draining active connections before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("ingestserver: listen %s: %w", s.cfg.BindAddr, err)
	}
	s.ln = ln
	s.log.Info("ingest server listening", glog.KV("bind_addr", s.cfg.BindAddr))

	go func() {
		<-ctx.Done()
		ln.Close()
		s.conns.CloseAll()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.Warn("accept error", glog.KVErr(err))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, c)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	ip, _, _ := net.SplitHostPort(c.RemoteAddr().String())
	if ip == "" {
		ip = c.RemoteAddr().String()
	}

	state := s.conns.Add(ip, c)
	s.calib.ResetForNewConnection()
	if s.m != nil {
		s.m.ActiveConns.Inc()
	}
	defer func() {
		s.conns.Remove(ip)
		if s.m != nil {
			s.m.ActiveConns.Dec()
		}
	}()

	s.log.Info("device connected", glog.KV("client_ip", ip))
	raw := glog.NewKVLogger(s.log, glog.KV("client_ip", ip))

	if err := s.sendCommandToConn(c, CmdPeriodOn); err == nil {
		state.MarkPeriodicOnSent()
	} else {
		s.log.Warn("failed to send initial PERIOD_ON", glog.KV("client_ip", ip), glog.KVErr(err))
	}

	reader := bufio.NewReader(c)
	for {
		if s.cfg.ReadTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\r\n")
			// every raw packet lands in tcp_debug.log with a UTC timestamp;
			// loc_id resolution proper happens downstream in the batch
			// parser, so client_ip stands in here exactly as it does for
			// any other unresolved record.
			raw.Info(trimmed)
			if strings.HasPrefix(trimmed, "#frame") && state.NeedsFailsafeRetry() {
				if sendErr := s.sendCommandToConn(c, CmdPeriodOn); sendErr == nil {
					state.MarkPeriodicOnSent()
					if s.m != nil {
						s.m.PeriodicOnFailsafes.Inc()
					}
				}
			}
			if dropped := s.queue.Push(queue.Item{Line: trimmed, ClientIP: ip, EnqueuedAt: time.Now()}); dropped && s.m != nil {
				s.m.QueueDropped.Inc()
			}
			if s.m != nil {
				s.m.QueueDepth.Set(float64(s.queue.Len()))
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return // shutdown closed the socket out from under us
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn("connection read timeout", glog.KV("client_ip", ip))
				return
			}
			s.log.Info("device disconnected", glog.KV("client_ip", ip), glog.KVErr(err))
			return
		}
	}
}

func (s *Server) sendCommandToConn(c net.Conn, cmd string) error {
	_, err := c.Write([]byte(cmd + "\n"))
	return err
}

// Dispatch sends cmd to the connection registered for ip, falling back to
// the sole live connection when ip has no registered connection and
// exactly one device is connected (the NAT-behind-one-address case).
func (s *Server) Dispatch(ip, cmd string) error {
	state, ok := s.conns.Get(ip)
	if !ok {
		state, ok = s.conns.Sole()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchConnection, ip)
		}
		s.log.Warn("dispatching via sole connection fallback", glog.KV("requested_ip", ip), glog.KV("actual_ip", state.ClientIP))
	}
	if cmd == CmdEeprom1 {
		if !state.MarkEepromRequested() {
			return nil // EEPROM1 already requested once this connection
		}
	}
	return s.sendCommandToConn(state.Conn, cmd)
}

func (s *Server) ConnCount() int { return s.conns.Len() }
