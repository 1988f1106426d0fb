package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcast/session-proxy/internal/store"
)

type blockingSink struct {
	mu      sync.Mutex
	records []store.UsageRecord
	gate    chan struct{}
}

func (s *blockingSink) RecordUsage(r store.UsageRecord) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestRecorderWritesThrough(t *testing.T) {
	sink := &blockingSink{}
	r := NewRecorder(sink, 8)

	r.Record(store.UsageRecord{SessionID: "s1", InputTokens: 10})
	r.Record(store.UsageRecord{SessionID: "s1", OutputTokens: 5})
	r.Close()

	require.Equal(t, 2, sink.count())
	assert.EqualValues(t, 0, r.Dropped())
}

// A slow sink must never block callers; overflow is dropped and counted.
func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	r := NewRecorder(sink, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// 1 in flight at the sink + 2 buffered; the rest must drop.
		for i := 0; i < 10; i++ {
			r.Record(store.UsageRecord{SessionID: "s"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Greater(t, r.Dropped(), int64(0))

	close(sink.gate)
	r.Close()
	assert.Equal(t, 10, sink.count()+int(r.Dropped()))
}
