package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const transcribeTimeout = 45 * time.Second

// Service turns audio frames into recognition events. Each session owns a
// worker goroutine so segments are transcribed and reported in order.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       *bus.Group
	wg         sync.WaitGroup

	errors   metric.Int64Counter
	segments metric.Int64Counter
}

type segment struct {
	pcm   []byte
	final bool
}

type sessionState struct {
	id         string
	buffer     []byte
	sampleRate int
	channels   int
	results    []protocol.RecognitionResultEntry
	queue      []segment
	wake       chan struct{}
	timer      *time.Timer
	ending     bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-service")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-intake/stt")
	if c, err := meter.Int64Counter("intake.stt.errors", metric.WithDescription("Recognition failures")); err == nil {
		s.errors = c
	}
	if c, err := meter.Int64Counter("intake.stt.segments", metric.WithDescription("Audio segments transcribed")); err == nil {
		s.segments = c
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.subs = s.bus.NewGroup(s.logger)
	if err := bus.Handle(s.subs, protocol.SubjectSTTControl, s.handleControl); err != nil {
		return fmt.Errorf("stt control: %w", err)
	}
	if err := bus.Handle(s.subs, protocol.SubjectAudioFramePrefix+".>", s.handleFrame); err != nil {
		s.subs.Drain()
		return fmt.Errorf("audio frames: %w", err)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.subs.Drain()
	s.mu.Lock()
	for _, st := range s.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	return s.subs.Healthy()
}

// Active reports whether sessionID is still being recognized.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

func (s *Service) handleControl(cmd protocol.SessionCommand) {
	if cmd.SessionID == "" {
		s.logger.Warn("stt control without session id", slog.String("action", string(cmd.Action)))
		return
	}
	switch cmd.Action {
	case protocol.ActionStart:
		s.open(cmd.SessionID)
	case protocol.ActionStop:
		s.finish(cmd.SessionID, "stop")
	default:
		s.logger.Warn("unknown stt action", slog.String("action", string(cmd.Action)))
	}
}

func (s *Service) open(sessionID string) {
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		s.logger.Debug("ignoring duplicate start", slog.String("session_id", sessionID))
		return
	}
	st := &sessionState{
		id:         sessionID,
		sampleRate: s.cfg.SampleRate,
		channels:   s.cfg.Channels,
		wake:       make(chan struct{}, 1),
	}
	if timeout := s.silenceTimeout(); timeout > 0 {
		st.timer = time.AfterFunc(timeout, func() { s.finish(sessionID, "silence") })
	}
	s.sessions[sessionID] = st
	s.mu.Unlock()

	s.publish(protocol.RecognitionEvent{SessionID: sessionID, Type: protocol.RecognitionStart})
	s.logger.Info("recognition started", slog.String("session_id", sessionID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work(st)
	}()
}

func (s *Service) handleFrame(frame protocol.AudioFrame) {
	s.mu.Lock()
	st := s.sessions[frame.SessionID]
	if st == nil || st.ending {
		s.mu.Unlock()
		return
	}
	if frame.SampleRate > 0 {
		st.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		st.channels = frame.Channels
	}
	st.buffer = append(st.buffer, frame.PCM...)
	if st.timer != nil {
		st.timer.Reset(s.silenceTimeout())
	}
	if limit := s.segmentBytes(st); limit > 0 && len(st.buffer) >= limit {
		st.enqueue(segment{pcm: st.buffer})
		st.buffer = nil
	}
	s.mu.Unlock()

	if frame.Final {
		s.finish(frame.SessionID, "final frame")
	}
}

// finish flushes the remaining audio and schedules the end of the session.
// Only the first call for a session has an effect.
func (s *Service) finish(sessionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sessions[sessionID]
	if st == nil || st.ending {
		return
	}
	st.ending = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.enqueue(segment{pcm: st.buffer, final: true})
	st.buffer = nil
	s.logger.Debug("recognition finishing", slog.String("session_id", sessionID), slog.String("reason", reason))
}

func (st *sessionState) enqueue(seg segment) {
	st.queue = append(st.queue, seg)
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (s *Service) work(st *sessionState) {
	for {
		select {
		case <-s.ctx.Done():
			s.drop(st.id)
			return
		case <-st.wake:
		}

		s.mu.Lock()
		pending := st.queue
		st.queue = nil
		rate, channels := st.sampleRate, st.channels
		s.mu.Unlock()

		for _, seg := range pending {
			if err := s.transcribe(st, seg, rate, channels); err != nil {
				s.fail(st, err)
				return
			}
			if seg.final {
				s.drop(st.id)
				s.publish(protocol.RecognitionEvent{SessionID: st.id, Type: protocol.RecognitionEnd})
				s.logger.Info("recognition ended", slog.String("session_id", st.id))
				return
			}
		}
	}
}

func (s *Service) transcribe(st *sessionState, seg segment, rate, channels int) error {
	if len(seg.pcm) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, seg.pcm, rate, channels, seg.final)
	if s.segments != nil {
		s.segments.Add(ctx, 1)
	}
	if err != nil {
		return err
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	index := len(st.results)
	st.results = append(st.results, protocol.RecognitionResultEntry{
		Alternatives: []protocol.Alternative{{Transcript: text, Confidence: result.Confidence}},
	})
	results := append([]protocol.RecognitionResultEntry(nil), st.results...)
	s.mu.Unlock()

	s.publish(protocol.RecognitionEvent{
		SessionID:   st.id,
		Type:        protocol.RecognitionResult,
		ResultIndex: index,
		Results:     results,
	})
	if !s.cfg.Continuous && !seg.final {
		s.finish(st.id, "single result")
	}
	return nil
}

func (s *Service) fail(st *sessionState, err error) {
	s.logger.Warn("stt transcription failed", slog.String("session_id", st.id), slogError(err))
	if s.errors != nil {
		s.errors.Add(s.ctx, 1)
	}
	s.mu.Lock()
	st.ending = true
	if st.timer != nil {
		st.timer.Stop()
	}
	s.mu.Unlock()
	s.drop(st.id)

	s.publish(protocol.RecognitionEvent{SessionID: st.id, Type: protocol.RecognitionError, Error: err.Error()})
	s.publish(protocol.RecognitionEvent{SessionID: st.id, Type: protocol.RecognitionEnd})
}

func (s *Service) drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Service) publish(evt protocol.RecognitionEvent) {
	evt.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectSTTEvent, evt); err != nil {
		s.logger.Warn("failed to publish recognition event", slogError(err))
	}
}

func (s *Service) silenceTimeout() time.Duration {
	return time.Duration(s.cfg.SilenceTimeoutMS) * time.Millisecond
}

func (s *Service) segmentBytes(st *sessionState) int {
	return s.cfg.SegmentMS * st.sampleRate * st.channels * 2 / 1000
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
