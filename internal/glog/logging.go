/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package glog is thermalguard's structured logger. It is a leveled,
// multi-writer logger that frames structured fields with RFC5424 syslog
// messages, falling back to plain text when raw mode is enabled.
package glog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	}
	return "UNKNOWN"
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	case "FATAL":
		return FATAL, nil
	}
	return OFF, fmt.Errorf("glog: unknown level %q", s)
}

const (
	appName    = "thermalguardd"
	maxHost    = 255
	maxApp     = 48
	maxMsgID   = 32
	rfcVersion = 1
)

// Logger is a leveled, multi-writer structured logger. thermalguardd holds
// one Logger writing to the rotating tcp_debug.log, with tcp_errors.log
// attached as a second writer through LevelFilterWriter (see
// internal/glog/rotate).
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	raw      bool
	hostname string
	appname  string
}

// New constructs a Logger writing to wtr at INFO level.
func New(wtr io.Writer) *Logger {
	host, _ := os.Hostname()
	return &Logger{
		wtrs:     []io.Writer{wtr},
		lvl:      INFO,
		hostname: host,
		appname:  appName,
	}
}

// NewDiscard returns a Logger that drops everything; used in tests.
func NewDiscard() *Logger {
	l := New(io.Discard)
	l.lvl = OFF
	return l
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// EnableRawMode switches the logger to emit plain "LEVEL msg k=v ..." lines
// instead of RFC5424-framed messages. The daemon does not enable it; raw
// packets are logged RFC5424-framed like every other line.
func (l *Logger) EnableRawMode(v bool) {
	l.mtx.Lock()
	l.raw = v
	l.mtx.Unlock()
}

func (l *Logger) AddWriter(w io.Writer) {
	l.mtx.Lock()
	l.wtrs = append(l.wtrs, w)
	l.mtx.Unlock()
}

// LevelFilterWriter wraps an io.Writer so that output() skips it for
// messages below Min. Used to point a second rotating file at only the
// at-or-above-Min stream while the primary file keeps everything.
type LevelFilterWriter struct {
	io.Writer
	Min Level
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if lvl < l.lvl || l.lvl == OFF {
		return
	}
	ts := time.Now().UTC()
	var b []byte
	if l.raw {
		b = l.genRawMessage(ts, lvl, msg, sds...)
	} else {
		b = l.genRFCMessage(ts, lvl, msg, sds...)
	}
	for _, w := range l.wtrs {
		if lf, ok := w.(*LevelFilterWriter); ok {
			if lvl < lf.Min {
				continue
			}
			lf.Writer.Write(b)
			continue
		}
		w.Write(b)
	}
}

func clampStr(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// priority maps a Level onto an RFC5424 facility|severity pair under the
// User facility.
func (lvl Level) priority() rfc5424.Priority {
	switch lvl {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

func (l *Logger) genRFCMessage(ts time.Time, lvl Level, msg string, sds ...rfc5424.SDParam) []byte {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  clampStr(l.hostname, maxHost),
		AppName:   clampStr(l.appname, maxApp),
		MessageID: clampStr(lvl.String(), maxMsgID),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: "kv@0", Parameters: sds}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return []byte(fmt.Sprintf("%s %s %s\n", ts.Format(time.RFC3339), lvl, msg))
	}
	return append(b, '\n')
}

func (l *Logger) genRawMessage(ts time.Time, lvl Level, msg string, sds ...rfc5424.SDParam) []byte {
	var sb strings.Builder
	sb.WriteString(ts.Format(time.RFC3339Nano))
	sb.WriteByte(' ')
	sb.WriteString(lvl.String())
	sb.WriteByte(' ')
	sb.WriteString(msg)
	for _, sd := range sds {
		sb.WriteByte(' ')
		sb.WriteString(sd.Name)
		sb.WriteByte('=')
		sb.WriteString(sd.Value)
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam)    { l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)     { l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)     { l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam)    { l.output(ERROR, msg, sds...) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) { l.output(CRITICAL, msg, sds...) }

func (l *Logger) Debugf(f string, args ...interface{}) { l.output(DEBUG, fmt.Sprintf(f, args...)) }
func (l *Logger) Infof(f string, args ...interface{})  { l.output(INFO, fmt.Sprintf(f, args...)) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.output(WARN, fmt.Sprintf(f, args...)) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.output(ERROR, fmt.Sprintf(f, args...)) }

// KV builds a structured field. Non-string values are formatted with %v.
func KV(name string, value interface{}) rfc5424.SDParam {
	switch v := value.(type) {
	case string:
		return rfc5424.SDParam{Name: name, Value: v}
	default:
		return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", v)}
	}
}

func KVErr(err error) rfc5424.SDParam {
	if err == nil {
		return KV("error", "")
	}
	return KV("error", err.Error())
}

// KVLogger is a Logger that carries a fixed set of structured fields on
// every call, used to tag every line emitted for a given connection or
// device with its client_ip / loc_id without repeating it at each call site.
type KVLogger struct {
	*Logger
	sds []rfc5424.SDParam
}

func NewKVLogger(l *Logger, sds ...rfc5424.SDParam) *KVLogger {
	return &KVLogger{Logger: l, sds: sds}
}

func (k *KVLogger) Debug(msg string, sds ...rfc5424.SDParam) {
	k.Logger.Debug(msg, append(append([]rfc5424.SDParam{}, k.sds...), sds...)...)
}
func (k *KVLogger) Info(msg string, sds ...rfc5424.SDParam) {
	k.Logger.Info(msg, append(append([]rfc5424.SDParam{}, k.sds...), sds...)...)
}
func (k *KVLogger) Warn(msg string, sds ...rfc5424.SDParam) {
	k.Logger.Warn(msg, append(append([]rfc5424.SDParam{}, k.sds...), sds...)...)
}
func (k *KVLogger) Error(msg string, sds ...rfc5424.SDParam) {
	k.Logger.Error(msg, append(append([]rfc5424.SDParam{}, k.sds...), sds...)...)
}

func (k *KVLogger) With(sds ...rfc5424.SDParam) *KVLogger {
	return NewKVLogger(k.Logger, append(append([]rfc5424.SDParam{}, k.sds...), sds...)...)
}
