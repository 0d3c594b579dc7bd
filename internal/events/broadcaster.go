// Package events provides an in-process broadcaster for file lifecycle
// events, consumed by SSE handlers and the notifier.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cumulusfs/cumulus/internal/metrics"
)

const (
	EventCreated  = "created"
	EventRenamed  = "renamed"
	EventMoved    = "moved"
	EventStarred  = "starred"
	EventTrashed  = "trashed"
	EventRestored = "restored"
	EventDeleted  = "deleted"
	EventImported = "imported"
)

// Event represents a change to a user's file tree.
type Event struct {
	Type      string `json:"type"`
	UserID    string `json:"-"`
	NodeID    string `json:"node_id"`
	Name      string `json:"name,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Count     int64  `json:"count,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	userID string
	ch     chan Event
}

// Broadcaster fans events out to subscribers. Each subscriber only receives
// events for its own user.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Event]*subscriber),
	}
}

// Subscribe registers a subscriber for one user's events. userID="" receives
// everything (used by the notifier). The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe(userID string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = &subscriber{userID: userID, ch: ch}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	close(ch)
	b.mu.Unlock()
}

// Publish sends an event to matching subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if sub.userID != "" && sub.userID != event.UserID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEventPublished(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
