// Package audit writes an append-only trail of tool invocations, policy
// denials and run transitions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// Logger writes audit events as slog records. Events are handed to a single
// writer goroutine; when its queue is full, or after Close, they are written
// inline instead of dropped.
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.Config{Enabled: true, Output: "stdout"})
//	defer logger.Close()
//	detach := logger.Attach(bus)
type Logger struct {
	config Config
	closer io.Closer
	out    *slog.Logger
	types  map[EventType]bool

	queue   chan *Event
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLogger creates an audit logger writing to config.Output. A disabled
// config yields a Logger that ignores everything.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	w, closer, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}
	return newLogger(config, w, closer), nil
}

// NewLoggerWithWriter creates an enabled audit logger writing to w.
func NewLoggerWithWriter(config Config, w io.Writer) *Logger {
	config.Enabled = true
	return newLogger(config, w, nil)
}

func openOutput(target string) (io.Writer, io.Closer, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(strings.TrimPrefix(target, "file:"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return f, f, nil
}

func newLogger(config Config, w io.Writer, closer io.Closer) *Logger {
	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = 1024
	}

	opts := &slog.HandlerOptions{Level: config.Level.slog()}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if config.Format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	}

	l := &Logger{
		config:  config,
		closer:  closer,
		out:     slog.New(handler).With("component", "audit"),
		queue:   make(chan *Event, config.BufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if len(config.EventTypes) > 0 {
		l.types = make(map[EventType]bool, len(config.EventTypes))
		for _, t := range config.EventTypes {
			l.types[t] = true
		}
	}
	go l.run()
	return l
}

// Close drains queued events and closes a file output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// Log stamps and queues an audit event. Events below the configured level or
// outside the configured types are ignored.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}
	if l.types != nil && !l.types[event.Type] {
		return
	}
	if event.Level.slog() < l.config.Level.slog() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = observability.RunIDFromContext(ctx)
	}

	select {
	case <-l.stop:
		l.write(event)
		return
	default:
	}
	select {
	case l.queue <- event:
	default:
		l.write(event)
	}
}

func (l *Logger) run() {
	defer close(l.stopped)
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.stop:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event *Event) {
	l.out.LogAttrs(context.Background(), event.Level.slog(), "audit", event.attrs()...)
}

// hashString returns the first 16 hex characters of the SHA-256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
