package events

import (
	"context"

	"github.com/cuemby/knobd/pkg/log"
)

// LogEvents subscribes to b and writes every event to the structured log
// until ctx is done.
func LogEvents(ctx context.Context, b *Broker) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	logger := log.WithComponent("events")
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			ev := logger.WithLevel(e.Type.Level()).
				Str("event_id", e.ID).
				Str("type", string(e.Type)).
				Time("at", e.Timestamp)
			for k, v := range e.Metadata {
				ev = ev.Str(k, v)
			}
			ev.Msg(e.Message)
		case <-ctx.Done():
			return
		}
	}
}
