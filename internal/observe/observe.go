package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("enkidu")

// Observer handles logging and tracing
type Observer struct {
	log *bolt.Logger
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return withLevel(bolt.New(bolt.NewConsoleHandler(out)), verbose)
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return withLevel(bolt.New(bolt.NewJSONHandler(out)), verbose)
}

// Discard returns an Observer that drops everything. Used by tests and by
// components constructed without an observer.
func Discard() *Observer {
	return withLevel(bolt.New(bolt.NewJSONHandler(io.Discard)), false)
}

func withLevel(l *bolt.Logger, verbose bool) *Observer {
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// OrDiscard lets callers accept a nil Observer.
func OrDiscard(o *Observer) *Observer {
	if o == nil {
		return Discard()
	}
	return o
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close ensures any buffered logs or traces are flushed (placeholder)
func (o *Observer) Close() error {
	return nil
}
