package db

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stevemurr/schemadb/diag"
)

// scope tracks one public call: its id, its events and the single flush at
// the end.
type scope struct {
	sink       diag.Sink
	op         string
	id         string
	collection string
	start      time.Time
}

func (d *DB) begin(op, collection string) *scope {
	s := &scope{
		sink:       d.sink,
		op:         op,
		id:         uuid.NewString(),
		collection: collection,
		start:      time.Now(),
	}
	s.event(slog.LevelDebug, "start")
	return s
}

// event records a message. kv holds alternating keys and values.
func (s *scope) event(level slog.Level, msg string, kv ...any) {
	ctx := map[string]any{"op_id": s.id}
	if s.collection != "" {
		ctx["collection"] = s.collection
	}
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[fmt.Sprint(kv[i])] = kv[i+1]
	}
	s.sink.Record(diag.Event{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Context: ctx,
		Origin:  "db." + s.op,
	})
}

// fail records err and returns it as an *Error of the given kind. An err
// that already is an *Error keeps its own kind.
func (s *scope) fail(kind, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Op: s.op, Collection: s.collection, Kind: kind, Err: err}
	}
	s.event(slog.LevelError, e.Error(), "kind", e.Kind.Error())
	return e
}

// end recovers a panic into an error and flushes the sink. It must be
// deferred directly.
func (s *scope) end(errp *error) {
	if r := recover(); r != nil {
		*errp = s.fail(ErrEngine, fmt.Errorf("panic: %v", r))
	}
	if *errp == nil {
		s.event(slog.LevelDebug, "done", "elapsed", time.Since(s.start).String())
	}
	// A sink that cannot flush has nowhere to report it.
	_ = s.sink.Flush()
}
