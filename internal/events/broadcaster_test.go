package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToOwner(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventCreated, UserID: "alice", NodeID: "n1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventCreated, ev.Type)
		assert.Equal(t, "n1", ev.NodeID)
		assert.NotZero(t, ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestBroadcasterScopesByUser(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)

	b.Publish(Event{Type: EventTrashed, UserID: "alice", NodeID: "n1"})

	select {
	case <-alice:
	case <-time.After(time.Second):
		t.Fatal("alice should receive her event")
	}

	select {
	case ev := <-bob:
		t.Fatalf("bob should not receive alice's event, got %+v", ev)
	default:
	}
}

func TestBroadcasterWildcardSubscriber(t *testing.T) {
	b := NewBroadcaster()
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(Event{Type: EventDeleted, UserID: "alice", NodeID: "n1"})
	b.Publish(Event{Type: EventDeleted, UserID: "bob", NodeID: "n2"})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("wildcard subscriber missed event %d", i+1)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	// Overfill the buffered channel; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: EventCreated, UserID: "alice", NodeID: "n"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow consumer")
	}
}

func TestBroadcasterCount(t *testing.T) {
	b := NewBroadcaster()
	require.Equal(t, 0, b.Count())

	ch := b.Subscribe("alice")
	require.Equal(t, 1, b.Count())

	b.Unsubscribe(ch)
	require.Equal(t, 0, b.Count())
}
