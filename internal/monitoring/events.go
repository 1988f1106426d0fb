package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/utils"
)

// feedSendTimeout bounds a single write to one subscriber so a stalled
// client cannot hold up the fan-out.
const feedSendTimeout = 2 * time.Second

// Feed broadcasts request events to websocket subscribers.
type Feed struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan []byte
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

// Publish fans an event out to all subscribers. Slow subscribers drop
// events rather than delaying publishers.
func (f *Feed) Publish(ev RequestEvent) {
	data, err := utils.MarshalNoEscape(ev)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- data:
		default:
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) add() *subscriber {
	sub := &subscriber{ch: make(chan []byte, 64)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-only listener, browser origin varies
	})
	if err != nil {
		log.Debug().Err(err).Msg("event feed upgrade failed")
		return
	}
	defer conn.CloseNow()

	sub := f.add()
	defer f.remove(sub)
	log.Debug().Int("subscribers", f.SubscriberCount()).Msg("event feed subscriber connected")

	ctx := r.Context()
	// Reads are discarded; the feed is one-way. This also surfaces client
	// disconnects promptly.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, feedSendTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
