package pipeline

import (
	"github.com/nats-io/nats.go"

	"github.com/openSUSE/saline/internal/bus"
)

// EventSource is the boundary the pipeline consumes events from. The
// transport delivers (tag, payload) pairs via the handler; Connected and
// Reset drive the reconnect loop.
type EventSource interface {
	Subscribe(h bus.Handler) error
	Connected() bool
	Reset() error
	Close()
}

// BusSource adapts the event-bus client to the EventSource contract.
type BusSource struct {
	client  *bus.Client
	subject string
	handler bus.Handler
	sub     *nats.Subscription
}

// NewBusSource wraps an established bus client.
func NewBusSource(client *bus.Client, subject string) *BusSource {
	return &BusSource{client: client, subject: subject}
}

func (s *BusSource) Subscribe(h bus.Handler) error {
	s.handler = h
	sub, err := s.client.SubscribeEvents(s.subject, h)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *BusSource) Connected() bool {
	return s.client.Connected()
}

// Reset tears the subscription down and re-establishes it. Events during
// the outage are lost; the bus does not buffer for us.
func (s *BusSource) Reset() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	return s.Subscribe(s.handler)
}

func (s *BusSource) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}
