package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

// Service answers extraction requests published on the bus. Every request
// gets exactly one reply.
type Service struct {
	bus       *bus.Client
	extractor *Extractor
	subs      *bus.Group
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, extractor *Extractor, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		extractor: extractor,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "extract-service")),
	}
}

func (s *Service) Start() error {
	s.subs = s.bus.NewGroup(s.logger)
	if err := bus.Handle(s.subs, protocol.SubjectExtractRequest, s.handleRequest); err != nil {
		return fmt.Errorf("extraction requests: %w", err)
	}
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

func (s *Service) handleRequest(req protocol.ExtractionRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.extractor.Extract(s.ctx, req.SessionID, req.Transcript, req.TraceID)
		reply := ReplyFromOutcome(req, out)
		if reply.Error != "" {
			s.logger.Warn("extraction failed",
				slog.String("session_id", req.SessionID),
				slog.String("outcome", reply.Outcome),
				slog.String("error", reply.Error))
		} else {
			s.logger.Info("extraction complete",
				slog.String("session_id", req.SessionID),
				slog.Duration("latency", out.Latency))
		}
		if err := s.bus.PublishJSON(protocol.SubjectExtractReply, reply); err != nil {
			s.logger.Warn("failed to publish extraction reply", slogError(err))
		}
	}()
}

// ReplyFromOutcome converts an outcome into its wire form. A result that
// cannot be encoded turns the reply malformed.
func ReplyFromOutcome(req protocol.ExtractionRequest, out Outcome) protocol.ExtractionReply {
	reply := protocol.ExtractionReply{
		SessionID: req.SessionID,
		Outcome:   string(out.Kind),
		Raw:       out.Raw,
		LatencyMS: out.Latency.Milliseconds(),
		TraceID:   req.TraceID,
		Timestamp: time.Now().UTC(),
	}
	if out.Err != nil {
		reply.Error = out.Err.Error()
	}
	if out.Kind == KindSuccess {
		data, err := json.Marshal(out.Result)
		if err != nil {
			reply.Outcome = string(KindMalformed)
			reply.Error = fmt.Errorf("%w: encode result: %v", ErrMalformedResponse, err).Error()
			return reply
		}
		reply.Result = data
	}
	return reply
}

// OutcomeFromReply rebuilds an Outcome on the receiving side of the bus.
func OutcomeFromReply(reply protocol.ExtractionReply) Outcome {
	out := Outcome{
		Kind:    Kind(reply.Outcome),
		Raw:     reply.Raw,
		Latency: time.Duration(reply.LatencyMS) * time.Millisecond,
	}
	if reply.Error != "" {
		switch out.Kind {
		case KindMalformed:
			out.Err = rewrap(ErrMalformedResponse, reply.Error)
		case KindPartial:
			out.Err = rewrap(ErrPartialResult, reply.Error)
		default:
			out.Err = fmt.Errorf("extraction failed: %s", reply.Error)
		}
	}
	if out.Kind != KindSuccess {
		return out
	}
	res, err := Parse(string(reply.Result))
	if err != nil {
		return Outcome{Kind: Classify(err), Raw: reply.Raw, Err: err, Latency: out.Latency}
	}
	out.Result = res
	out.Sanitized = string(reply.Result)
	return out
}

// rewrap restores sentinel on an error that crossed the bus as text, without
// repeating the sentinel's message when the text already starts with it.
func rewrap(sentinel error, msg string) error {
	prefix := sentinel.Error()
	if msg == prefix {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(msg, prefix+": "))
}
