package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/capability"
	"github.com/loqalabs/loqa-intake/internal/display"
	"github.com/loqalabs/loqa-intake/internal/eventstore"
	"github.com/loqalabs/loqa-intake/internal/extract"
	"github.com/loqalabs/loqa-intake/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const eventQueue = 64

// Recorder persists timeline entries. *eventstore.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, sessionID, traceID, typ string, payload any) error
}

// Service runs the controller on a single goroutine. Bus callbacks only
// enqueue events, so transitions never interleave.
type Service struct {
	bus      *bus.Client
	sink     display.Sink
	recorder Recorder
	language string
	logger   *slog.Logger

	ctrl   *Controller
	traces map[string]string
	events chan Event
	subs   *bus.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	sessionID string

	started     metric.Int64Counter
	transitions metric.Int64Counter
}

// NewService wires a controller to the bus. recorder may be nil.
func NewService(parent context.Context, busClient *bus.Client, sink display.Sink, recorder Recorder, language string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		bus:      busClient,
		sink:     sink,
		recorder: recorder,
		language: language,
		logger:   logger.With(slog.String("component", "session-service")),
		ctrl:     NewController(),
		traces:   make(map[string]string),
		events:   make(chan Event, eventQueue),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-intake/session")
	if c, err := meter.Int64Counter("intake.sessions.started", metric.WithDescription("Listening sessions started")); err == nil {
		s.started = c
	}
	if c, err := meter.Int64Counter("intake.session.transitions", metric.WithDescription("Lifecycle state changes by target state")); err == nil {
		s.transitions = c
	}
	return s
}

func (s *Service) Start() error {
	s.subs = s.bus.NewGroup(s.logger)
	err := errors.Join(
		bus.Handle(s.subs, protocol.SubjectMediaStatus, s.onMediaStatus),
		bus.Handle(s.subs, protocol.SubjectUserCommand, s.onUserCommand),
		bus.Handle(s.subs, protocol.SubjectSTTEvent, s.onRecognition),
		bus.Handle(s.subs, protocol.SubjectExtractReply, s.onExtractionReply),
	)
	if err != nil {
		s.subs.Drain()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return nil
}

func (s *Service) Close() {
	s.subs.Drain()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subs.Healthy()
}

// State returns the lifecycle state and the current session id.
func (s *Service) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.sessionID
}

// Submit queues evt for the event loop. It blocks while the queue is full.
func (s *Service) Submit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *Service) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.events:
			s.dispatch(evt)
		}
	}
}

func (s *Service) dispatch(evt Event) {
	before := s.ctrl.State()
	effects, err := s.ctrl.Handle(evt)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrSessionBusy) {
			level = slog.LevelInfo
		}
		s.logger.Log(s.ctx, level, "event rejected",
			slog.String("event", fmt.Sprintf("%T", evt)),
			slog.String("state", string(before)),
			slogError(err))
	}

	after := s.ctrl.State()
	s.mu.Lock()
	s.state = after
	s.sessionID = s.ctrl.SessionID()
	s.mu.Unlock()

	if after != before {
		s.logger.Info("session transition",
			slog.String("session_id", s.ctrl.SessionID()),
			slog.String("from", string(before)),
			slog.String("to", string(after)))
		if s.transitions != nil {
			s.transitions.Add(s.ctx, 1, metric.WithAttributes(attribute.String("state", string(after))))
		}
	}
	s.execute(effects)
}

// execute performs effects in order. Consecutive display effects are folded
// into one update.
func (s *Service) execute(effects []Effect) {
	var pending display.Update
	flush := func() {
		if pending.Empty() {
			return
		}
		pending.State = string(s.ctrl.State())
		pending.SessionID = s.ctrl.SessionID()
		if err := s.sink.Apply(s.ctx, pending); err != nil {
			s.logger.Warn("failed to apply display update", slogError(err))
		}
		pending = display.Update{}
	}

	for _, eff := range effects {
		switch e := eff.(type) {
		case Show:
			pending.Show = append(pending.Show, e.Targets...)
		case Hide:
			pending.Hide = append(pending.Hide, e.Targets...)
		case EnableStart:
			enabled := e.Enabled
			pending.EnableStart = &enabled
		case Render:
			fields := e.Fields
			pending.Fields = &fields
		case Alert:
			pending.Alert = &display.Alert{Kind: e.Kind, Message: e.Message}
		default:
			flush()
			s.perform(eff)
		}
	}
	flush()
}

func (s *Service) perform(eff Effect) {
	switch e := eff.(type) {
	case StartRecognizer:
		if s.started != nil {
			s.started.Add(s.ctx, 1)
		}
		s.publish(protocol.SubjectSTTControl, protocol.SessionCommand{
			SessionID: e.SessionID,
			Action:    protocol.ActionStart,
			Language:  s.language,
			Timestamp: time.Now().UTC(),
		})
	case StopRecognizer:
		s.publish(protocol.SubjectSTTControl, protocol.SessionCommand{
			SessionID: e.SessionID,
			Action:    protocol.ActionStop,
			Timestamp: time.Now().UTC(),
		})
	case RequestExtraction:
		s.publish(protocol.SubjectExtractRequest, protocol.ExtractionRequest{
			SessionID:  e.SessionID,
			Transcript: e.Transcript,
			TraceID:    s.traceFor(e.SessionID),
			Timestamp:  time.Now().UTC(),
		})
	case Log:
		s.record(e)
	}
}

// traceFor returns the trace id shared by every timeline entry and request of
// a session, creating it on first use.
func (s *Service) traceFor(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	traceID, ok := s.traces[sessionID]
	if !ok {
		traceID = uuid.NewString()
		s.traces[sessionID] = traceID
	}
	return traceID
}

func (s *Service) record(e Log) {
	traceID := s.traceFor(e.SessionID)
	switch e.Type {
	case eventstore.TypeExtractionSucceeded, eventstore.TypeExtractionFailed, eventstore.TypeRecognitionError:
		delete(s.traces, e.SessionID)
	}
	if s.recorder == nil || e.SessionID == "" {
		return
	}
	var payload any
	if e.Payload != nil {
		payload = e.Payload
	}
	if err := s.recorder.Record(s.ctx, e.SessionID, traceID, e.Type, payload); err != nil {
		s.logger.Warn("failed to record session event",
			slog.String("session_id", e.SessionID),
			slog.String("type", e.Type),
			slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) onMediaStatus(status protocol.MediaStatus) {
	switch {
	case status.Granted && status.Audio:
		s.Submit(MediaGranted{})
	case status.Unavailable:
		s.Submit(CapabilityMissing{Capability: capability.MediaCapture, Reason: status.Error})
	default:
		s.Submit(MediaDenied{Reason: status.Error})
	}
}

func (s *Service) onUserCommand(cmd protocol.UserCommand) {
	switch cmd.Action {
	case protocol.ActionStart:
		s.Submit(StartRequested{})
	case protocol.ActionStop:
		s.Submit(StopRequested{})
	default:
		s.logger.Warn("unknown user command", slog.String("action", string(cmd.Action)))
	}
}

func (s *Service) onRecognition(evt protocol.RecognitionEvent) {
	switch evt.Type {
	case protocol.RecognitionStart:
		s.Submit(RecognitionStarted{SessionID: evt.SessionID})
	case protocol.RecognitionResult:
		s.Submit(RecognitionResult{SessionID: evt.SessionID, ResultIndex: evt.ResultIndex, Results: evt.Results})
	case protocol.RecognitionEnd:
		s.Submit(RecognitionEnded{SessionID: evt.SessionID})
	case protocol.RecognitionError:
		s.Submit(RecognitionFailed{SessionID: evt.SessionID, Message: evt.Error})
	}
}

func (s *Service) onExtractionReply(reply protocol.ExtractionReply) {
	s.Submit(ExtractionCompleted{SessionID: reply.SessionID, Outcome: extract.OutcomeFromReply(reply)})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
