// Package notify consumes lifecycle events and forwards them to a
// notification sink. The default sink writes structured log lines; a real
// deployment can swap in email or push delivery behind the same interface.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
)

// Sink receives notifications derived from lifecycle events.
type Sink interface {
	Notify(ctx context.Context, ev events.Event)
}

// LogSink writes notifications as structured log entries.
type LogSink struct{}

// Notify logs the event.
func (LogSink) Notify(_ context.Context, ev events.Event) {
	logging.Info("notification",
		zap.String("event", ev.Type),
		zap.String("user_id", ev.UserID),
		zap.String("node_id", ev.NodeID),
		zap.String("name", ev.Name),
		zap.Int64("size", ev.Size))
}

// Notifier subscribes to the broadcaster and forwards every event to the
// sink on its own goroutine.
type Notifier struct {
	broadcaster *events.Broadcaster
	sink        Sink
}

// New creates a notifier. A nil sink defaults to LogSink.
func New(b *events.Broadcaster, sink Sink) *Notifier {
	if sink == nil {
		sink = LogSink{}
	}
	return &Notifier{broadcaster: b, sink: sink}
}

// Run consumes events until ctx is cancelled. Call in a goroutine.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.broadcaster.Subscribe("")
	defer n.broadcaster.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.sink.Notify(ctx, ev)
		}
	}
}
