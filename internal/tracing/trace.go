// Package tracing adds a thin golang.org/x/net/trace helper shared by every
// replication component.
package tracing

import (
	"context"

	"golang.org/x/net/trace"
)

// Add a lazily-formatted trace message to the context's trace.Trace, if one
// is attached. It is a no-op otherwise, so call sites never need to guard it.
func Add(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// AddErr attaches err to the context's trace.Trace as an error event, if one
// is attached, and marks the trace errored.
func AddErr(ctx context.Context, err error) {
	if tr, ok := trace.FromContext(ctx); ok && err != nil {
		tr.LazyPrintf("error: %v", err)
		tr.SetError()
	}
}
