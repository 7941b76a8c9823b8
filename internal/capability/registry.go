package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Host capabilities the intake flow depends on.
const (
	Extraction   = "ai.extraction"
	Speech       = "speech.recognition"
	MediaCapture = "media.capture"
)

// ErrUnavailable reports a required capability that is missing.
var ErrUnavailable = errors.New("capability unavailable")

type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	// Backend names the implementation, e.g. "ollama" or "client".
	Backend string `json:"backend,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Registry tracks the capabilities of this process and of any peers that
// announce themselves on the bus.
type Registry struct {
	nodeID string
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	local  map[string]Capability
	subs   *bus.Group
	meter  metric.Meter
}

// NewRegistry returns a registry for nodeID. busClient may be nil, in which
// case nothing is announced.
func NewRegistry(ctx context.Context, nodeID string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		nodeID: nodeID,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		local:  make(map[string]Capability),
		meter:  otel.Meter("github.com/loqalabs/loqa-intake/capability"),
	}

	if err := r.initMetrics(ctx); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		r.subs = busClient.NewGroup(r.log)
		if err := bus.Handle(r.subs, protocol.SubjectCapability, r.handleAnnounce); err != nil {
			return nil, fmt.Errorf("capability announcements: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) Close() {
	r.subs.Drain()
}

// Register records a local capability and re-announces the node.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	r.local[c.Name] = c
	r.mu.Unlock()

	if c.Available {
		r.log.Info("capability available", slog.String("capability", c.Name), slog.String("backend", c.Backend))
	} else {
		r.log.Warn("capability unavailable", slog.String("capability", c.Name), slog.String("reason", c.Reason))
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce capabilities", slog.String("error", err.Error()))
	}
}

// Lookup returns the local capability called name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.local[name]
	return c, ok
}

func (r *Registry) Available(name string) bool {
	c, ok := r.Lookup(name)
	return ok && c.Available
}

// Require returns an error wrapping ErrUnavailable unless name is available.
func (r *Registry) Require(name string) error {
	c, ok := r.Lookup(name)
	switch {
	case !ok:
		return fmt.Errorf("%w: %s not registered", ErrUnavailable, name)
	case !c.Available && c.Reason != "":
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, name, c.Reason)
	case !c.Available:
		return fmt.Errorf("%w: %s", ErrUnavailable, name)
	}
	return nil
}

// Missing lists the local capabilities that are registered but unavailable,
// sorted by name.
func (r *Registry) Missing() []Capability {
	var out []Capability
	for _, c := range r.LocalCapabilities() {
		if !c.Available {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.local))
	for _, c := range r.local {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.nodeID,
		Capabilities: r.LocalCapabilities(),
		Timestamp:    time.Now().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Capabilities, msg.Timestamp)
	if r.bus == nil {
		return nil
	}
	return r.bus.PublishJSON(protocol.SubjectCapability, msg)
}

func (r *Registry) handleAnnounce(announcement announceMessage) {
	if announcement.NodeID == "" || announcement.NodeID == r.nodeID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) updateNode(nodeID string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	node.Capabilities = capabilities
	node.LastSeen = timestamp
}

// Healthy reports whether the local node has announced itself.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[r.nodeID]
	return ok
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		copy := *node
		copy.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// WithCapabilityFilter matches nodes offering name as available.
func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && c.Available {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics(ctx context.Context) error {
	if r.meter == nil {
		return nil
	}
	nodeGauge, err := r.meter.Int64ObservableGauge("intake.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	availGauge, err := r.meter.Int64ObservableGauge("intake.capabilities.available", metric.WithDescription("1 when a local capability is available"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		obs.ObserveInt64(nodeGauge, int64(len(r.nodes)))
		for _, c := range r.local {
			var v int64
			if c.Available {
				v = 1
			}
			obs.ObserveInt64(availGauge, v, metric.WithAttributes(
				attribute.String("capability", c.Name),
				attribute.String("backend", c.Backend),
			))
		}
		return nil
	}, nodeGauge, availGauge)
	return err
}
