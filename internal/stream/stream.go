package stream

import (
	"context"
	"sync"
	"time"

	"vendora.org/internal/audit"
)

// DownloadActivity describes one download attempt for the live operator feed.
type DownloadActivity struct {
	EntitlementID string        `json:"entitlement_id"`
	ProductID     string        `json:"product_id,omitempty"`
	Outcome       audit.Outcome `json:"outcome"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Stream fan-outs download activity to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan DownloadActivity
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan DownloadActivity)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan DownloadActivity {
	ch := make(chan DownloadActivity, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt DownloadActivity) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
