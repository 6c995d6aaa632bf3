package auditlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// queueSize bounds the number of in-flight records. When the queue is full
// the record is dropped and reported on the fallback channel rather than
// blocking the caller.
const queueSize = 256

// Logger is the audit log writer and configuration owner.
//
// A single goroutine owns all file appends and rotation, so record write
// order within one file equals append order even under concurrent callers.
type Logger struct {
	configPath string
	fallback   *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	sendMu sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

// op is one unit of work for the writer goroutine. Exactly one field is set.
type op struct {
	rec   *Record
	flush chan struct{}
}

// New creates a Logger, loading the persisted configuration from configPath
// or creating (and persisting) the default configuration rooted at
// defaultDir if none exists.
func New(configPath, defaultDir string, fallback *slog.Logger) (*Logger, error) {
	if fallback == nil {
		fallback = slog.Default()
	}

	cfg, err := loadConfig(configPath)
	if os.IsNotExist(err) {
		cfg = DefaultConfig(defaultDir)
		if err := saveConfig(configPath, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	l := &Logger{
		configPath: configPath,
		fallback:   fallback,
		cfg:        cfg,
		ops:        make(chan op, queueSize),
		done:       make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record queues one log record. It never blocks and never returns an error:
// if the queue is full or the writer fails, the record is reported on the
// fallback channel and the caller's operation proceeds untouched.
// A nil *Logger discards every record.
func (l *Logger) Record(level Level, category Category, message string, details map[string]any) {
	if l == nil {
		return
	}
	rec := &Record{
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
		Details:   details,
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ops <- op{rec: rec}:
	default:
		l.fallback.Warn("audit log queue full, record dropped",
			slog.String("level", string(level)),
			slog.String("message", message),
		)
	}
}

// Flush blocks until every record queued before the call has been written.
func (l *Logger) Flush() {
	ch := make(chan struct{})

	l.sendMu.RLock()
	if l.closed {
		l.sendMu.RUnlock()
		return
	}
	l.ops <- op{flush: ch}
	l.sendMu.RUnlock()

	<-ch
}

// Close flushes pending records and stops the writer goroutine.
func (l *Logger) Close() {
	l.sendMu.Lock()
	if l.closed {
		l.sendMu.Unlock()
		return
	}
	l.closed = true
	close(l.ops)
	l.sendMu.Unlock()

	<-l.done
}

// Current returns a copy of the live configuration.
func (l *Logger) Current() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg.merge(Patch{}) // merge with empty patch = deep copy
}

// Update merges a partial configuration, persists the result, and returns
// it. The live configuration changes only if persisting succeeds.
func (l *Logger) Update(p Patch) (Config, error) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()

	merged := l.cfg.merge(p)
	if err := saveConfig(l.configPath, merged); err != nil {
		return Config{}, err
	}
	l.cfg = merged
	return merged.merge(Patch{}), nil
}

// run is the writer goroutine: it serializes appends, rotation, and flushes.
func (l *Logger) run() {
	defer close(l.done)
	for o := range l.ops {
		if o.flush != nil {
			close(o.flush)
			continue
		}
		if err := l.write(o.rec); err != nil {
			l.fallback.Warn("audit log write failed",
				slog.String("error", err.Error()),
				slog.String("message", o.rec.Message),
			)
		}
	}
}

// write appends one record, rotating first if the target file has reached
// the size threshold. Called only from the writer goroutine.
func (l *Logger) write(rec *Record) error {
	cfg := l.Current()
	if !cfg.Enabled || !cfg.levelEnabled(rec.Level) {
		return nil
	}

	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(cfg.Directory, fileForDay(rec.Timestamp))

	// Rotation is checked on every append. The full file is renamed with a
	// uniqueness suffix before the new record starts a fresh file at the
	// canonical path, so no prior record is ever lost.
	if info, err := os.Stat(path); err == nil && info.Size() >= cfg.maxFileSize() {
		rotated := path + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := os.Rename(path, rotated); err != nil {
			return fmt.Errorf("rotating %s: %w", path, err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("appending to %s: %w", path, writeErr)
	}
	return closeErr
}

// fileForDay returns the canonical log file name for the record's day.
func fileForDay(t time.Time) string {
	return "pyrunner-" + t.Format("2006-01-02") + ".log"
}
