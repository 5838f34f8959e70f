package events

import (
	"context"

	"github.com/cskr/pubsub"
)

// AllTopic receives every event regardless of type.
const AllTopic = "*"

// PubSubSink fans events out over topics named after their EventType. Subscribers
// must drain their channels; a full subscriber channel blocks delivery to others.
type PubSubSink struct {
	ps *pubsub.PubSub
}

// NewPubSubSink creates a sink whose subscriber channels hold capacity events.
func NewPubSubSink(capacity int) *PubSubSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &PubSubSink{ps: pubsub.New(capacity)}
}

// Publish delivers the event on its type topic and on AllTopic.
func (p *PubSubSink) Publish(ctx context.Context, event Event) {
	event = normalize(withContext(ctx, event))
	p.ps.Pub(event, string(event.Type), AllTopic)
}

// Subscribe returns a channel of events for the given types, or every event when no
// type is named.
func (p *PubSubSink) Subscribe(types ...EventType) (<-chan Event, func()) {
	topics := []string{AllTopic}
	if len(types) > 0 {
		topics = make([]string, len(types))
		for i, t := range types {
			topics[i] = string(t)
		}
	}

	raw := p.ps.Sub(topics...)
	out := make(chan Event, cap(raw))
	go func() {
		defer close(out)
		for msg := range raw {
			if ev, ok := msg.(Event); ok {
				out <- ev
			}
		}
	}()

	return out, func() { p.ps.Unsub(raw, topics...) }
}

// Close shuts the hub down and closes every subscriber channel.
func (p *PubSubSink) Close() {
	p.ps.Shutdown()
}
