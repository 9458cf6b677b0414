/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command thermalguardd is the ingest daemon: it binds the TCP front
// door, runs the batch parser, the dispatcher, and the metrics endpoint,
// and drains cleanly on SIGINT/SIGTERM: flag parsing, config load,
// component wiring, WaitForQuit, then a bounded-timeout graceful drain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"thermalguard/internal/aggregator"
	"thermalguard/internal/batchparser"
	"thermalguard/internal/config"
	"thermalguard/internal/dispatcher"
	"thermalguard/internal/fusion"
	"thermalguard/internal/glog"
	"thermalguard/internal/glog/rotate"
	"thermalguard/internal/ingestserver"
	"thermalguard/internal/locresolver"
	"thermalguard/internal/metrics"
	"thermalguard/internal/registry"
	"thermalguard/internal/signals"
	"thermalguard/internal/thermal"
	"thermalguard/internal/version"
)

var (
	configFile = flag.String("config-file", "/etc/thermalguard/thermalguard.json", "path to the JSON configuration document")
	showVer    = flag.Bool("version", false, "print version and exit")
	stderr     = flag.Bool("stderr", false, "also log to stderr")
)

func main() {
	flag.Parse()
	if *showVer {
		version.PrintVersion(os.Stdout)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermalguardd: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermalguardd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log.Info("thermalguardd starting", glog.KV("bind_addr", cfg.ListenAddr()))

	m := metrics.New()
	calib := thermal.NewCalibrationStore(log)
	if off := cfg.ThermalCalibration.Offset; off != 0 {
		calib.SetOffset(off)
	}
	fd := thermal.NewFrameDecoder(calib, cfg.ThermalUseEEPROM, log)
	fd.AllowUncalibrated = cfg.ThermalAllowUncalibrated

	loc, err := locresolver.New(cfg.LocationsDBPath, cfg.LocationsJSONPath, log)
	if err != nil {
		log.Critical("failed to open location resolver", glog.KVErr(err))
		os.Exit(1)
	}
	defer loc.Close()

	reg, err := registry.Open(cfg.DevicesDBPath)
	if err != nil {
		log.Critical("failed to open device registry", glog.KVErr(err))
		os.Exit(1)
	}
	defer reg.Close()

	srvCfg := ingestserver.DefaultConfig()
	srvCfg.BindAddr = cfg.ListenAddr()
	srvCfg.QueueCapacity = cfg.QueueCapacity
	srvCfg.ReadTimeout = time.Duration(cfg.ReadTimeoutSeconds) * time.Second
	srv := ingestserver.New(srvCfg, calib, log, m)

	agg := aggregator.New(aggregator.DefaultSensorKeyMap(), 30*time.Second)

	parserCfg := batchparser.DefaultConfig()
	parserCfg.BatchSize = cfg.BatchSize
	parserCfg.TickInterval = time.Duration(cfg.BatchTickMillis) * time.Millisecond
	parser := batchparser.New(parserCfg, srv.Queue(), fd, loc, agg, srv, nil, log, m)

	dispCfg := dispatcher.DefaultConfig()
	dispCfg.RateLimitHz = float64(cfg.DispatchRateHz)
	disp := dispatcher.New(dispCfg, reg, srv, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Critical("ingest server exited", glog.KVErr(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		parser.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()

	fusionLog := fusion.NewLog(256)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/fusion/recent", func(w http.ResponseWriter, r *http.Request) {
		writeRecentVerdicts(w, fusionLog)
	})
	metricsMux.HandleFunc("/calibration", func(w http.ResponseWriter, r *http.Request) {
		writeCalibrationStatus(w, calib)
	})
	metricsMux.HandleFunc("/vision/", func(w http.ResponseWriter, r *http.Request) {
		handleVisionScore(w, r, agg, log)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsBind, Handler: metricsMux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server exited", glog.KVErr(err))
		}
	}()

	var liveFusionCfg atomic.Value // holds fusion.Config
	liveFusionCfg.Store(fusionConfigFrom(cfg))

	wg.Add(1)
	go func() {
		defer wg.Done()
		runFusionLoop(ctx, agg, &liveFusionCfg, fusionLog, log, m)
	}()

	cfgWatcher, err := config.NewWatcher(*configFile, cfg, log)
	if err != nil {
		log.Warn("config hot-reload disabled", glog.KVErr(err))
	} else {
		watchStop := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfgWatcher.Run(watchStop, func(newCfg config.Config) {
				liveFusionCfg.Store(fusionConfigFrom(newCfg))
				disp.SetRateLimit(float64(newCfg.DispatchRateHz), dispCfg.RateBurst)
				log.Info("applied reloaded config",
					glog.KV("fusion_min_sources", newCfg.FusionMinSources),
					glog.KV("dispatch_rate_hz", newCfg.DispatchRateHz))
				log.Info("bind_addr, queue_capacity, batch timing, and log paths require a restart to take effect")
			})
		}()
		defer close(watchStop)
	}

	sig := signals.WaitForQuit()
	log.Info("received shutdown signal, draining", glog.KV("signal", sig.String()))

	cancel()
	metricsSrv.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("drain timeout exceeded, exiting anyway")
	}
	log.Info("thermalguardd stopped")
}

// runFusionLoop ticks once a second, building a fusion.Input snapshot for
// every location the aggregator has seen a reading for and classifying
// it, mirroring the per-second cadence of the dispatcher's own tick.
// Every verdict - alarm or not - is appended to fusionLog, fusion's only
// retained state, so the admin surface can inspect recent activity
// without a live TCP session.
func runFusionLoop(ctx context.Context, agg *aggregator.Aggregator, liveCfg *atomic.Value, fusionLog *fusion.Log, log *glog.Logger, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := liveCfg.Load().(fusion.Config)
			for _, locID := range agg.Locations() {
				v := fusion.Classify(agg.Snapshot(locID), cfg)
				fusionLog.Append(v)
				if v.Alarm {
					log.Warn("fusion alarm", glog.KV("loc_id", locID),
						glog.KV("confidence", v.Confidence), glog.KV("sources", v.ActiveSources))
					if m != nil {
						m.FusionAlarms.WithLabelValues(locID).Inc()
					}
				}
			}
		}
	}
}

// fusionConfigFrom builds a fusion.Config from the subset of the JSON
// config document that affects classification, so a config reload can
// retune thresholds without restarting the fusion loop.
func fusionConfigFrom(cfg config.Config) fusion.Config {
	fc := fusion.DefaultConfig()
	fc.ThermalThresholdC = cfg.ThermalThresholdC
	fc.GasPPMThreshold = cfg.GasPPMThreshold
	fc.VisionThreshold = cfg.VisionThreshold
	fc.MinSources = cfg.FusionMinSources
	fc.ConfidenceAlarm = cfg.FusionConfidence
	return fc
}

// writeRecentVerdicts renders fusionLog's recent verdicts as simple
// newline-delimited text; this is an operator debug surface, not a
// versioned API, so it avoids pulling in a JSON-over-HTTP framework for
// a handful of fields.
func writeRecentVerdicts(w http.ResponseWriter, fusionLog *fusion.Log) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, v := range fusionLog.Recent() {
		fmt.Fprintf(w, "%s loc=%s alarm=%v confidence=%.2f sources=%v thermal_max_c=%.1f gas_ppm=%.1f hot_cells=%d\n",
			v.Timestamp.Format(time.RFC3339), v.LocID, v.Alarm, v.Confidence, v.ActiveSources,
			v.ThermalMaxC, v.GasPPM, len(v.HotCells))
	}
}

// handleVisionScore is the out-of-process side of fusion.VisionScorer:
// the vision model is an external collaborator, so an operator runs it
// as a separate process that POSTs its score here rather than
// thermalguardd shelling out to or embedding a detector.
func handleVisionScore(w http.ResponseWriter, r *http.Request, agg *aggregator.Aggregator, log *glog.Logger) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	locID := strings.TrimPrefix(r.URL.Path, "/vision/")
	if locID == "" {
		http.Error(w, "loc_id required in path", http.StatusBadRequest)
		return
	}
	var body struct {
		Score float32 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Score < 0 || body.Score > 1 {
		http.Error(w, "score must be in [0,1]", http.StatusBadRequest)
		return
	}
	agg.ObserveVision(locID, body.Score)
	log.Debug("vision score received", glog.KV("loc_id", locID), glog.KV("score", body.Score))
	w.WriteHeader(http.StatusNoContent)
}

// writeCalibrationStatus renders the process-wide calibration offset
// thermalguardctl's "calibration show" subcommand polls; like
// /fusion/recent this is a plain-text operator surface, not a versioned
// API, since the only consumer is the bundled CLI.
func writeCalibrationStatus(w http.ResponseWriter, calib *thermal.CalibrationStore) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "offset_c=%.2f loaded_from_eeprom1=%v\n", calib.Offset(), calib.LoadedFromEEPROM1())
}

func buildLogger(cfg config.Config) (*glog.Logger, func(), error) {
	lvl, err := glog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = glog.INFO
	}

	debugRotator, err := rotate.Open(cfg.DebugLogPath, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening debug log: %w", err)
	}
	errRotator, err := rotate.Open(cfg.ErrorLogPath, 0644)
	if err != nil {
		debugRotator.Close()
		return nil, nil, fmt.Errorf("opening error log: %w", err)
	}

	log := glog.New(debugRotator)
	// tcp_errors.log carries parse/validation failures, which the
	// wire/thermal/batchparser packages report at WARN (they are
	// recoverable per-packet failures, not operational faults) - so the
	// filter threshold is WARN, not ERROR, or every one of them would be
	// silently dropped from the error log.
	log.AddWriter(&glog.LevelFilterWriter{Writer: errRotator, Min: glog.WARN})
	if *stderr {
		log.AddWriter(os.Stderr)
	}
	log.SetLevel(lvl)

	closer := func() {
		debugRotator.Close()
		errRotator.Close()
	}
	return log, closer, nil
}
