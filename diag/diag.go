// Package diag carries diagnostic events from the database layer to a sink.
//
// Events are buffered by the sink and written out on Flush, which the
// database calls once at the end of every public operation.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event is one diagnostic record.
type Event struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	// Origin names the component that emitted the event, e.g. "db.add".
	Origin string `json:"origin"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(Event)
	Flush() error
}

// Mode selects the sink New builds.
type Mode string

const (
	ModeConsole Mode = "console"
	ModeJSON    Mode = "json"
	ModeFile    Mode = "file"
	ModeAPI     Mode = "api"
	ModeSilent  Mode = "silent"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeConsole, nil
	case ModeConsole, ModeJSON, ModeFile, ModeAPI, ModeSilent:
		return m, nil
	}
	return "", fmt.Errorf("unknown diagnostics mode %q (supported: console, json, file, api, silent)", s)
}

// Options configure New.
type Options struct {
	Mode Mode

	// Writer receives console and json output. Defaults to os.Stderr.
	Writer io.Writer

	// File settings for ModeFile.
	File      string
	MaxSizeMB int
	MaxFiles  int

	// APIEndpoint receives events for ModeAPI.
	APIEndpoint string
	Timeout     time.Duration
}

// New builds the sink selected by opts.Mode.
func New(opts Options) (Sink, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}

	switch opts.Mode {
	case ModeConsole, "":
		return NewSlogSink(slog.NewTextHandler(w, handlerOpts), nil), nil
	case ModeJSON:
		return NewSlogSink(slog.NewJSONHandler(w, handlerOpts), nil), nil
	case ModeFile:
		rw, err := NewRotatingWriter(RotationConfig{File: opts.File, MaxSizeMB: opts.MaxSizeMB, MaxFiles: opts.MaxFiles})
		if err != nil {
			return nil, err
		}
		return NewSlogSink(slog.NewJSONHandler(rw, handlerOpts), rw), nil
	case ModeAPI:
		return NewAPISink(opts.APIEndpoint, opts.Timeout)
	case ModeSilent:
		return Silent{}, nil
	}
	return nil, fmt.Errorf("unknown diagnostics mode %q", opts.Mode)
}

type RotationConfig struct {
	File      string
	MaxSizeMB int
	MaxFiles  int
}

func NewRotatingWriter(cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("diagnostics file path must not be empty")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostics directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
	}, nil
}

// SlogSink buffers events and hands them to a slog.Handler on Flush.
type SlogSink struct {
	mu      sync.Mutex
	handler slog.Handler
	closer  io.Closer
	pending []Event
}

// NewSlogSink returns a sink writing through h. closer, if set, is closed by Close.
func NewSlogSink(h slog.Handler, closer io.Closer) *SlogSink {
	return &SlogSink{handler: h, closer: closer}
}

func (s *SlogSink) Record(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
}

func (s *SlogSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()
	var firstErr error
	for _, e := range s.pending {
		if !s.handler.Enabled(ctx, e.Level) {
			continue
		}
		if err := s.handler.Handle(ctx, toRecord(e)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pending = s.pending[:0]
	return firstErr
}

func (s *SlogSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func toRecord(e Event) slog.Record {
	r := slog.NewRecord(e.Time, e.Level, e.Message, 0)
	if e.Origin != "" {
		r.AddAttrs(slog.String("origin", e.Origin))
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, e.Context[k]))
	}
	return r
}

// Silent discards everything.
type Silent struct{}

func (Silent) Record(Event) {}
func (Silent) Flush() error { return nil }

// Filter drops debug events unless debug is set.
func Filter(s Sink, debug bool) Sink {
	if debug {
		return s
	}
	return filtered{s}
}

type filtered struct {
	Sink
}

func (f filtered) Record(e Event) {
	if e.Level < slog.LevelInfo {
		return
	}
	f.Sink.Record(e)
}

// Close closes s if it holds resources.
func Close(s Sink) error {
	if f, ok := s.(filtered); ok {
		s = f.Sink
	}
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return s.Flush()
}

// Recorder keeps every event in memory. It is meant for tests.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	flushes int
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Flushes returns how many times Flush was called.
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Find returns the recorded events at level whose message contains substr.
func (r *Recorder) Find(level slog.Level, substr string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.flushes = 0
	r.mu.Unlock()
}
