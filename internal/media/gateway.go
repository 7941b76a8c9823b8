package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

// clientMessage is a text frame sent by the browser page.
type clientMessage struct {
	Type        string                 `json:"type"` // media, command
	Granted     bool                   `json:"granted"`
	Unavailable bool                   `json:"unavailable"`
	Audio       bool                   `json:"audio"`
	Video       bool                   `json:"video"`
	Error       string                 `json:"error,omitempty"`
	Action      protocol.SessionAction `json:"action,omitempty"`
}

// Gateway interprets frames from display clients: media grant reports, start
// and stop clicks, and binary PCM16 audio. Audio is accepted only from the
// client whose media grant was reported last.
type Gateway struct {
	publisher *Publisher
	logger    *slog.Logger
	mu        sync.Mutex
	owner     string
}

func NewGateway(publisher *Publisher, logger *slog.Logger) *Gateway {
	return &Gateway{publisher: publisher, logger: logger.With(slog.String("component", "media-gateway"))}
}

// HandleFrame matches display.InboundFunc.
func (g *Gateway) HandleFrame(_ context.Context, clientID string, typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		g.mu.Lock()
		owner := g.owner
		g.mu.Unlock()
		if owner == clientID {
			g.publisher.Feed(data)
		}
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Warn("invalid client message", slog.String("client_id", clientID), slog.String("error", err.Error()))
		return
	}
	switch msg.Type {
	case "media":
		if msg.Granted {
			g.mu.Lock()
			g.owner = clientID
			g.mu.Unlock()
		}
		status := protocol.MediaStatus{
			ClientID:    clientID,
			Granted:     msg.Granted && msg.Audio,
			Unavailable: !msg.Granted && msg.Unavailable,
			Audio:       msg.Audio,
			Video:       msg.Video,
			Error:       msg.Error,
		}
		if msg.Granted && !msg.Audio && status.Error == "" {
			status.Error = "microphone not granted"
		}
		if err := g.publisher.ReportStatus(status); err != nil {
			g.logger.Warn("failed to report media status", slog.String("error", err.Error()))
		}
	case "command":
		switch msg.Action {
		case protocol.ActionStart, protocol.ActionStop:
		default:
			g.logger.Warn("unknown command", slog.String("action", string(msg.Action)))
			return
		}
		cmd := protocol.UserCommand{Action: msg.Action, ClientID: clientID, Timestamp: time.Now().UTC()}
		if err := g.publisher.bus.PublishJSON(protocol.SubjectUserCommand, cmd); err != nil {
			g.logger.Warn("failed to publish user command", slog.String("error", err.Error()))
		}
	default:
		g.logger.Warn("unknown client message type", slog.String("type", msg.Type))
	}
}
