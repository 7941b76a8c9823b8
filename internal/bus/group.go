package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Group owns the subscriptions of one service so they can be checked and
// drained together.
type Group struct {
	client *Client
	log    *slog.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NewGroup returns an empty group. Decode failures are logged on log.
func (c *Client) NewGroup(log *slog.Logger) *Group {
	return &Group{client: c, log: log}
}

// Handle subscribes fn to subject. Each payload is decoded as JSON into a T;
// payloads that do not decode are logged and dropped.
func Handle[T any](g *Group, subject string, fn func(T)) error {
	sub, err := g.client.conn.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			g.log.Warn("dropping undecodable message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		fn(v)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	return nil
}

// Healthy reports whether the group has subscriptions and all are valid.
func (g *Group) Healthy() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subs) == 0 {
		return false
	}
	for _, sub := range g.subs {
		if !sub.IsValid() {
			return false
		}
	}
	return true
}

// Drain stops delivery once in-flight messages are handled. Safe to call
// more than once.
func (g *Group) Drain() {
	if g == nil {
		return
	}
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}
