// Package usage buffers per-request token accounting and writes it to the
// store off the request path.
//
// DESIGN: recording must never add latency or backpressure to proxied
// traffic. Events go through a buffered channel; when the buffer is full
// the event is dropped and counted, not waited on.
package usage

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/store"
)

// Sink persists usage records.
type Sink interface {
	RecordUsage(store.UsageRecord) error
}

// Recorder is an async, lossy usage writer.
type Recorder struct {
	ch      chan store.UsageRecord
	sink    Sink
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the drain goroutine.
func NewRecorder(sink Sink, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	r := &Recorder{
		ch:   make(chan store.UsageRecord, buffer),
		sink: sink,
		done: make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.ch {
		if err := r.sink.RecordUsage(rec); err != nil {
			log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("usage write failed")
		}
	}
}

// Record enqueues a usage event. Never blocks: a full buffer drops the
// event.
func (r *Recorder) Record(rec store.UsageRecord) {
	select {
	case r.ch <- rec:
	default:
		n := r.dropped.Add(1)
		log.Warn().Int64("dropped_total", n).Msg("usage buffer full, event dropped")
	}
}

// Dropped returns how many events have been dropped since start.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains buffered events and stops the recorder.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}
