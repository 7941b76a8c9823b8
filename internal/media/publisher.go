package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

// Publisher forwards captured audio of the active listening session to the
// bus. It follows recognizer start and stop commands, and the recognizer's
// own end and error events, to know which session, if any, is listening;
// frames outside a session are dropped.
type Publisher struct {
	cfg       config.MediaConfig
	bus       *bus.Client
	logger    *slog.Logger
	mu        sync.Mutex
	sessionID string
	sequence  int
	subs      *bus.Group
}

func NewPublisher(cfg config.MediaConfig, busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "media-publisher")),
	}
}

func (p *Publisher) Start() error {
	p.subs = p.bus.NewGroup(p.logger)
	if err := bus.Handle(p.subs, protocol.SubjectSTTControl, p.handleControl); err != nil {
		return fmt.Errorf("recognizer control: %w", err)
	}
	if err := bus.Handle(p.subs, protocol.SubjectSTTEvent, p.handleRecognition); err != nil {
		p.subs.Drain()
		return fmt.Errorf("recognizer events: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.subs.Drain()
}

// ActiveSession returns the session frames are currently tagged with.
func (p *Publisher) ActiveSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Publisher) handleControl(cmd protocol.SessionCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch cmd.Action {
	case protocol.ActionStart:
		p.sessionID = cmd.SessionID
		p.sequence = 0
	case protocol.ActionStop:
		p.release(cmd.SessionID)
	}
}

func (p *Publisher) handleRecognition(evt protocol.RecognitionEvent) {
	switch evt.Type {
	case protocol.RecognitionEnd, protocol.RecognitionError:
		p.mu.Lock()
		p.release(evt.SessionID)
		p.mu.Unlock()
	}
}

// release ends sessionID if it is the active one. p.mu must be held.
func (p *Publisher) release(sessionID string) {
	if p.sessionID == sessionID {
		p.sessionID = ""
	}
}

// Feed publishes one PCM chunk for the active session.
func (p *Publisher) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	sessionID := p.sessionID
	seq := p.sequence
	if sessionID != "" {
		p.sequence++
	}
	p.mu.Unlock()
	if sessionID == "" {
		return
	}
	frame := protocol.AudioFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		PCM:        pcm,
	}
	if err := p.bus.PublishJSON(protocol.AudioSubject(sessionID), frame); err != nil {
		p.logger.Warn("failed to publish audio frame", slog.String("error", err.Error()))
	}
}

// ReportStatus announces the outcome of a capture request.
func (p *Publisher) ReportStatus(status protocol.MediaStatus) error {
	return p.bus.PublishJSON(protocol.SubjectMediaStatus, status)
}
