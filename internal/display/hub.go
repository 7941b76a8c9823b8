package display

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	clientQueue  = 16
	writeTimeout = 5 * time.Second
)

// Envelope is the JSON frame sent to display clients.
type Envelope struct {
	Type   string  `json:"type"` // view, update
	View   *View   `json:"view,omitempty"`
	Update *Update `json:"update,omitempty"`
}

// InboundFunc receives frames sent by a display client.
type InboundFunc func(ctx context.Context, clientID string, typ websocket.MessageType, data []byte)

// Hub is the Sink backing the browser page. It keeps the current view,
// broadcasts updates over websockets and mirrors them on the bus.
type Hub struct {
	mu      sync.Mutex
	view    View
	clients map[string]*client
	inbound InboundFunc
	bus     *bus.Client
	logger  *slog.Logger
	gauge   metric.Int64UpDownCounter
}

type client struct {
	id   string
	send chan []byte
}

// NewHub returns a hub. busClient may be nil.
func NewHub(busClient *bus.Client, logger *slog.Logger) *Hub {
	h := &Hub{
		view:    InitialView(),
		clients: make(map[string]*client),
		bus:     busClient,
		logger:  logger.With(slog.String("component", "display-hub")),
	}
	gauge, err := otel.Meter("github.com/loqalabs/loqa-intake/display").Int64UpDownCounter(
		"intake.display.clients", metric.WithDescription("Connected display clients"))
	if err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		h.gauge = gauge
	}
	return h
}

// SetInbound registers the handler for client frames. It must be called
// before the hub serves connections.
func (h *Hub) SetInbound(fn InboundFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = fn
}

func (h *Hub) Apply(ctx context.Context, u Update) error {
	if u.Empty() {
		return nil
	}
	data, err := json.Marshal(Envelope{Type: "update", Update: &u})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.view.Apply(u)
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow display client", slog.String("client_id", id))
			close(c.send)
			delete(h.clients, id)
			h.observeClients(ctx, -1)
		}
	}
	h.mu.Unlock()

	if h.bus != nil {
		if err := h.bus.PublishJSON(protocol.SubjectDisplayUpdate, u); err != nil {
			h.logger.Warn("failed to mirror display update", slog.String("error", err.Error()))
		}
	}
	return nil
}

// View returns a copy of the current page state.
func (h *Hub) View() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view.Clone()
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeView writes the current view as JSON.
func (h *Hub) ServeView(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.View())
}

// ServeHTTP upgrades the request to a websocket and streams updates until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c, snapshot, inbound := h.register()
	defer h.unregister(ctx, c)
	h.logger.Info("display client connected", slog.String("client_id", c.id))

	if err := writeFrame(ctx, conn, snapshot); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-c.send:
				if !ok {
					_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
					return
				}
				if err := writeFrame(ctx, conn, data); err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.Debug("display client read ended", slog.String("client_id", c.id), slog.String("error", err.Error()))
			}
			return
		}
		if inbound != nil {
			inbound(ctx, c.id, typ, data)
		}
	}
}

func (h *Hub) register() (*client, []byte, InboundFunc) {
	c := &client{id: uuid.NewString(), send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	view := h.view.Clone()
	snapshot, _ := json.Marshal(Envelope{Type: "view", View: &view})
	h.clients[c.id] = c
	h.observeClients(context.Background(), 1)
	return c, snapshot, h.inbound
}

func (h *Hub) unregister(ctx context.Context, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		h.observeClients(ctx, -1)
	}
	h.logger.Info("display client disconnected", slog.String("client_id", c.id))
}

func (h *Hub) observeClients(ctx context.Context, delta int64) {
	if h.gauge != nil {
		h.gauge.Add(ctx, delta)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
