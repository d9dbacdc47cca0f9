// Package bus connects to the event bus the Salt master publishes on and
// delivers raw (tag, payload) pairs to the pipeline.
//
// Events travel as JSON envelopes on a single subject:
//
//	{"tag": "salt/job/.../ret/minion-a", "data": {...}}
//
// Binary decoding stops here; everything downstream works on the decoded
// payload map.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the wildcard subject the master-side bridge publishes
// event envelopes on.
const DefaultSubject = "salt.events.>"

// Handler receives one decoded event.
type Handler func(tag string, payload map[string]any)

// Client wraps a core NATS connection to the event bus.
type Client struct {
	Conn *nats.Conn
	Log  *zap.Logger
}

// New connects to the event bus.
func New(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	logger.Info("event bus connected", zap.String("url", url))
	return &Client{Conn: nc, Log: logger}, nil
}

// Close drains and closes the underlying connection. Drain flushes
// outstanding subscription deliveries before closing; fall back to Close
// if Drain itself errors (e.g. already disconnected).
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	return c.Conn != nil && c.Conn.IsConnected()
}

// envelope is the wire form of one event.
type envelope struct {
	Tag  string         `json:"tag"`
	Data map[string]any `json:"data"`
}

// decodeEnvelope unpacks one bus message. ok is false for undecodable
// messages and for envelopes whose payload is not a map.
func decodeEnvelope(raw []byte) (string, map[string]any, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, false
	}
	if env.Tag == "" || env.Data == nil {
		return "", nil, false
	}
	return env.Tag, env.Data, true
}

// SubscribeEvents subscribes to the event subject and decodes each
// message into the handler. Undecodable messages and envelopes whose
// payload is not a map are dropped without surfacing an error — a broken
// producer must not take the subscription down.
func (c *Client) SubscribeEvents(subject string, h Handler) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := c.Conn.Subscribe(subject, func(msg *nats.Msg) {
		tag, data, ok := decodeEnvelope(msg.Data)
		if !ok {
			c.Log.Debug("undecodable event envelope", zap.Int("bytes", len(msg.Data)))
			return
		}
		h(tag, data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.Log.Info("event subscription established", zap.String("subject", subject))
	return sub, nil
}
