// Package trace buffers per-request Trace rows and writes them to the
// TraceStore off the request's hot path, grounded on the bounded
// buffered-channel-plus-non-blocking-send idiom the teacher uses for its
// own fan-out message channels.
package trace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store"
)

// bufferSize is the channel capacity; a request_end hook that finds the
// buffer full falls back to a synchronous store write rather than drop or
// block, trading a little request latency for never losing a trace.
const bufferSize = 1024

// Recorder asynchronously persists traces, started once per process.
type Recorder struct {
	store store.TraceStore

	ch chan domain.Trace

	wg sync.WaitGroup
}

func NewRecorder(s store.TraceStore) *Recorder {
	return &Recorder{store: s, ch: make(chan domain.Trace, bufferSize)}
}

// Start launches the single writer goroutine and returns at once. ctx is
// only passed to the store writes; the goroutine exits once Stop has
// closed the channel and every queued trace is written.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop waits for the writer goroutine to drain and exit. Call after
// closing off new Insert/Update calls.
func (r *Recorder) Stop() {
	close(r.ch)
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	for t := range r.ch {
		r.write(ctx, t)
	}
}

func (r *Recorder) write(ctx context.Context, t domain.Trace) {
	var err error
	if t.StatusCode == 0 {
		err = r.store.InsertTrace(ctx, t)
	} else {
		err = r.store.UpdateTrace(ctx, t)
	}
	if err != nil {
		slog.Error("trace: persist failed", "request_id", t.RequestID, "error", err)
	}
}

// Insert records the start of a request (before the response status is
// known). It never blocks: if the buffer is full, it writes synchronously
// using a context detached from the caller so client cancellation doesn't
// drop the trace.
func (r *Recorder) Insert(ctx context.Context, t domain.Trace) {
	select {
	case r.ch <- t:
	default:
		r.write(context.WithoutCancel(ctx), t)
	}
}

// Update records the completed outcome of a request (status, tokens, cost,
// error details). Same non-blocking-with-sync-fallback behavior as Insert.
func (r *Recorder) Update(ctx context.Context, t domain.Trace) {
	select {
	case r.ch <- t:
	default:
		r.write(context.WithoutCancel(ctx), t)
	}
}
