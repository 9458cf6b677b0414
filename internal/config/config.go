/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads thermalguard's JSON configuration document and
// optionally watches it for changes via fsnotify, invoking a callback
// with the reloaded Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"thermalguard/internal/glog"
)

// CalibrationConfig is the thermal_calibration sub-document. Scale is a
// legacy knob older deployments still carry in their config files; the
// conversion path ignores it but the parser tolerates its presence.
type CalibrationConfig struct {
	Offset float32 `json:"offset"`
	Scale  float64 `json:"scale"`
}

// Config is the full JSON configuration document.
type Config struct {
	TCPPort     int    `json:"tcp_port"`
	TCPMode     string `json:"tcp_mode"`
	BindAddr    string `json:"bind_addr"`
	MetricsBind string `json:"metrics_bind"`
	LogLevel    string `json:"log_level"`

	ThermalUseEEPROM         bool              `json:"thermal_use_eeprom"`
	ThermalThresholdC        float32           `json:"thermal_threshold_c"`
	ThermalCalibration       CalibrationConfig `json:"thermal_calibration"`
	ThermalAllowUncalibrated bool              `json:"thermal_allow_uncalibrated"`

	GasPPMThreshold  float64 `json:"gas_ppm_threshold"`
	VisionThreshold  float32 `json:"vision_threshold"`
	FusionMinSources int     `json:"fusion_min_sources"`
	FusionConfidence float32 `json:"fusion_confidence_alarm"`

	QueueCapacity      int `json:"queue_capacity"`
	BatchSize          int `json:"batch_size"`
	BatchTickMillis    int `json:"batch_tick_millis"`
	DispatchRateHz     int `json:"dispatch_rate_hz"`
	ReadTimeoutSeconds int `json:"read_timeout_seconds"`

	LocationsDBPath   string `json:"locations_db_path"`
	LocationsJSONPath string `json:"locations_json_path"`
	DevicesDBPath     string `json:"devices_db_path"`

	DebugLogPath string `json:"debug_log_path"`
	ErrorLogPath string `json:"error_log_path"`

	// Streams is opaque to the core: it is carried through for UI
	// collaborators (the video wall) and never interpreted here.
	Streams json.RawMessage `json:"streams,omitempty"`
}

func Default() Config {
	return Config{
		TCPPort:            9001,
		TCPMode:            "async",
		MetricsBind:        ":9090",
		LogLevel:           "INFO",
		ThermalUseEEPROM:   true,
		ThermalThresholdC:  50.0,
		GasPPMThreshold:    400,
		VisionThreshold:    0.7,
		FusionMinSources:   2,
		FusionConfidence:   0.7,
		QueueCapacity:      10000,
		BatchSize:          2000,
		BatchTickMillis:    50,
		DispatchRateHz:     50,
		ReadTimeoutSeconds: 30,
		LocationsDBPath:    "locations.db",
		LocationsJSONPath:  "locations.json",
		DevicesDBPath:      "pfds_devices.db",
		DebugLogPath:       "logs/tcp_debug.log",
		ErrorLogPath:       "logs/tcp_errors.log",
	}
}

// ListenAddr is the ingest listener's bind address: bind_addr verbatim
// when set, otherwise ":tcp_port".
func (c Config) ListenAddr() string {
	if c.BindAddr != "" {
		return c.BindAddr
	}
	return fmt.Sprintf(":%d", c.TCPPort)
}

// Load reads and parses path, applying Default() for any zero-valued
// field left unset in the JSON document... in practice we simply start
// from Default() and overlay whatever the document sets.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.TCPMode != "" && cfg.TCPMode != "async" {
		return cfg, fmt.Errorf("config: unsupported tcp_mode %q (only async is supported)", cfg.TCPMode)
	}
	return cfg, nil
}

// Watcher wraps fsnotify to re-Load the config file whenever it changes
// on disk, invoking onChange with the freshly parsed Config. Parse
// errors on reload are logged and skipped; the previous Config keeps
// running rather than crashing the daemon over a bad edit.
type Watcher struct {
	path    string
	log     *glog.Logger
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	current Config
}

func NewWatcher(path string, initial Config, log *glog.Logger) (*Watcher, error) {
	if log == nil {
		log = glog.NewDiscard()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, log: log, fsw: fsw, current: initial}, nil
}

func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run blocks, invoking onChange on every debounced write event to path,
// until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}, onChange func(Config)) {
	var debounce *time.Timer
	for {
		select {
		case <-stop:
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				cfg, err := Load(w.path)
				if err != nil {
					w.log.Warn("config: reload failed, keeping previous config", glog.KVErr(err))
					return
				}
				w.mu.Lock()
				w.current = cfg
				w.mu.Unlock()
				w.log.Info("config: reloaded")
				if onChange != nil {
					onChange(cfg)
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config: watcher error", glog.KVErr(err))
		}
	}
}
