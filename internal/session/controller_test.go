package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loqalabs/loqa-intake/internal/display"
	"github.com/loqalabs/loqa-intake/internal/eventstore"
	"github.com/loqalabs/loqa-intake/internal/extract"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

func newTestController() *Controller {
	c := NewController()
	n := 0
	c.newID = func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
	return c
}

func handle(t *testing.T, c *Controller, evt Event) []Effect {
	t.Helper()
	effects, err := c.Handle(evt)
	if err != nil {
		t.Fatalf("%T: unexpected error: %v", evt, err)
	}
	return effects
}

func find[T Effect](effects []Effect) (T, bool) {
	for _, e := range effects {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func count[T Effect](effects []Effect) int {
	n := 0
	for _, e := range effects {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

func results(texts ...string) []protocol.RecognitionResultEntry {
	out := make([]protocol.RecognitionResultEntry, 0, len(texts))
	for _, text := range texts {
		out = append(out, protocol.RecognitionResultEntry{Alternatives: []protocol.Alternative{{Transcript: text}}})
	}
	return out
}

func successOutcome(t *testing.T, raw string) extract.Outcome {
	t.Helper()
	res, err := extract.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return extract.Outcome{Kind: extract.KindSuccess, Result: res, Raw: raw, Sanitized: raw, Latency: 5 * time.Millisecond}
}

// listening returns a controller with media granted and session s1 open.
func listening(t *testing.T) *Controller {
	t.Helper()
	c := newTestController()
	handle(t, c, MediaGranted{})
	handle(t, c, StartRequested{})
	handle(t, c, RecognitionStarted{SessionID: "s1"})
	return c
}

func processing(t *testing.T) *Controller {
	t.Helper()
	c := listening(t)
	handle(t, c, RecognitionEnded{SessionID: "s1"})
	return c
}

func TestControllerHappyPath(t *testing.T) {
	c := newTestController()

	effects := handle(t, c, MediaGranted{})
	if en, ok := find[EnableStart](effects); !ok || !en.Enabled {
		t.Fatalf("expected start control enabled on grant, got %#v", effects)
	}

	effects = handle(t, c, StartRequested{})
	if c.State() != StateListening || c.SessionID() != "s1" {
		t.Fatalf("expected listening s1, got %s %s", c.State(), c.SessionID())
	}
	if show, _ := find[Show](effects); len(show.Targets) != 1 || show.Targets[0] != display.SpeakNow {
		t.Fatalf("expected speak now shown, got %#v", effects)
	}
	if hide, _ := find[Hide](effects); len(hide.Targets) != 1 || hide.Targets[0] != display.StartButton {
		t.Fatalf("expected start control hidden, got %#v", effects)
	}
	if start, ok := find[StartRecognizer](effects); !ok || start.SessionID != "s1" {
		t.Fatalf("expected recognizer start, got %#v", effects)
	}
	if log, ok := find[Log](effects); !ok || log.Type != eventstore.TypeSessionStarted {
		t.Fatalf("expected session.started log, got %#v", effects)
	}

	handle(t, c, RecognitionStarted{SessionID: "s1"})
	handle(t, c, RecognitionResult{SessionID: "s1", ResultIndex: 0, Results: results(" My name is Ann ")})
	handle(t, c, RecognitionResult{SessionID: "s1", ResultIndex: 1, Results: results(" My name is Ann ", "I am 30")})
	if got := c.Transcript(); got != "My name is Ann I am 30 " {
		t.Fatalf("unexpected accumulated transcript %q", got)
	}

	effects = handle(t, c, RecognitionEnded{SessionID: "s1"})
	if c.State() != StateProcessing {
		t.Fatalf("expected processing, got %s", c.State())
	}
	req, ok := find[RequestExtraction](effects)
	if !ok || req.SessionID != "s1" || req.Transcript != "My name is Ann I am 30" {
		t.Fatalf("unexpected extraction request %#v", req)
	}
	if show, _ := find[Show](effects); len(show.Targets) != 2 {
		t.Fatalf("expected start control and processing shown, got %#v", show)
	}
	if hide, _ := find[Hide](effects); hide.Targets[0] != display.SpeakNow {
		t.Fatalf("expected speak now hidden, got %#v", hide)
	}

	effects = handle(t, c, ExtractionCompleted{
		SessionID: "s1",
		Outcome:   successOutcome(t, `{"fullName":"Ann","age":30,"role":"Engineer","country":"Norway","skills":["Go","SQL"]}`),
	})
	if c.State() != StateDisplaying {
		t.Fatalf("expected displaying, got %s", c.State())
	}
	render, ok := find[Render](effects)
	want := display.Fields{FullName: "Ann", Age: "30", Role: "Engineer", Country: "Norway", Skills: "Go, SQL"}
	if !ok || render.Fields != want {
		t.Fatalf("expected %+v rendered, got %+v", want, render.Fields)
	}
	if show, _ := find[Show](effects); show.Targets[0] != display.InfoPanel {
		t.Fatalf("expected info panel shown, got %#v", show)
	}
	if hide, _ := find[Hide](effects); hide.Targets[0] != display.Processing {
		t.Fatalf("expected processing hidden, got %#v", hide)
	}
	if log, _ := find[Log](effects); log.Type != eventstore.TypeExtractionSucceeded {
		t.Fatalf("expected extraction.succeeded log, got %#v", log)
	}
}

func TestControllerEmptySessionRequestsOneExtraction(t *testing.T) {
	c := newTestController()
	var all []Effect
	for _, evt := range []Event{
		MediaGranted{},
		StartRequested{},
		RecognitionStarted{SessionID: "s1"},
		RecognitionEnded{SessionID: "s1"},
		RecognitionEnded{SessionID: "s1"},
	} {
		all = append(all, handle(t, c, evt)...)
	}
	if n := count[RequestExtraction](all); n != 1 {
		t.Fatalf("expected exactly one extraction request, got %d", n)
	}
	req, _ := find[RequestExtraction](all)
	if req.Transcript != "" {
		t.Fatalf("expected empty transcript, got %q", req.Transcript)
	}
}

func TestControllerStartPreconditions(t *testing.T) {
	c := newTestController()
	if _, err := c.Handle(StartRequested{}); !errors.Is(err, ErrMediaNotReady) {
		t.Fatalf("expected ErrMediaNotReady before grant, got %v", err)
	}

	c = listening(t)
	effects, err := c.Handle(StartRequested{})
	if !errors.Is(err, ErrSessionBusy) || len(effects) != 0 {
		t.Fatalf("expected busy rejection while listening, got %v %#v", err, effects)
	}
	if c.SessionID() != "s1" {
		t.Fatalf("rejected start must not replace the session, got %s", c.SessionID())
	}

	c = processing(t)
	if _, err := c.Handle(StartRequested{}); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy rejection while processing, got %v", err)
	}
}

func TestControllerDisplayingAcceptsStart(t *testing.T) {
	c := processing(t)
	handle(t, c, ExtractionCompleted{SessionID: "s1", Outcome: successOutcome(t, `{"fullName":null,"age":null,"role":null,"country":null,"skills":[]}`)})

	effects := handle(t, c, StartRequested{})
	if c.State() != StateListening || c.SessionID() != "s2" {
		t.Fatalf("expected new listening session s2, got %s %s", c.State(), c.SessionID())
	}
	hide, ok := effects[0].(Hide)
	if !ok || hide.Targets[0] != display.InfoPanel {
		t.Fatalf("expected info panel hidden first, got %#v", effects)
	}
	if c.Transcript() != "" {
		t.Fatalf("expected fresh transcript, got %q", c.Transcript())
	}
}

func TestControllerExtractionFailureRestoresIdle(t *testing.T) {
	tests := []struct {
		name  string
		out   extract.Outcome
		alert string
	}{
		{"malformed", extract.Outcome{Kind: extract.KindMalformed, Raw: "sorry", Err: extract.ErrMalformedResponse}, AlertMalformedResponse},
		{"partial", extract.Outcome{Kind: extract.KindPartial, Err: extract.ErrPartialResult}, AlertPartialResult},
		{"failed", extract.Outcome{Kind: extract.KindFailed, Err: errors.New("connection refused")}, AlertExtractionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := processing(t)
			effects := handle(t, c, ExtractionCompleted{SessionID: "s1", Outcome: tt.out})
			if c.State() != StateIdle {
				t.Fatalf("expected idle after failure, got %s", c.State())
			}
			if hide, _ := find[Hide](effects); len(hide.Targets) != 1 || hide.Targets[0] != display.Processing {
				t.Fatalf("expected processing indicator hidden, got %#v", effects)
			}
			if alert, ok := find[Alert](effects); !ok || alert.Kind != tt.alert {
				t.Fatalf("expected %s alert, got %#v", tt.alert, effects)
			}
			if _, ok := find[Show](effects); ok {
				t.Fatalf("info panel must stay hidden, got %#v", effects)
			}
			if _, ok := find[Render](effects); ok {
				t.Fatal("failure must not render fields")
			}
			if en, _ := find[EnableStart](effects); !en.Enabled {
				t.Fatal("expected start control re-enabled")
			}
			log, _ := find[Log](effects)
			if log.Type != eventstore.TypeExtractionFailed || log.Payload["outcome"] != string(tt.out.Kind) {
				t.Fatalf("unexpected failure log %#v", log)
			}
		})
	}
}

func TestControllerDropsStaleReplies(t *testing.T) {
	c := processing(t)
	effects := handle(t, c, ExtractionCompleted{SessionID: "old", Outcome: successOutcome(t, `{"fullName":"Bob","age":1,"role":null,"country":null,"skills":[]}`)})
	if len(effects) != 0 || c.State() != StateProcessing {
		t.Fatalf("expected stale reply to be ignored, got %#v in %s", effects, c.State())
	}

	c = listening(t)
	effects = handle(t, c, ExtractionCompleted{SessionID: "s1", Outcome: extract.Outcome{Kind: extract.KindSuccess}})
	if len(effects) != 0 || c.State() != StateListening {
		t.Fatalf("expected reply outside processing to be ignored, got %#v", effects)
	}
}

func TestControllerRecognitionFailure(t *testing.T) {
	c := listening(t)
	handle(t, c, RecognitionResult{SessionID: "s1", Results: results("hello")})

	effects := handle(t, c, RecognitionFailed{SessionID: "s1", Message: "network"})
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	alert, ok := find[Alert](effects)
	if !ok || alert.Kind != AlertRecognitionFailure || alert.Message != "Speech recognition failed: network" {
		t.Fatalf("unexpected alert %#v", alert)
	}
	if log, _ := find[Log](effects); log.SessionID != "s1" || log.Type != eventstore.TypeRecognitionError {
		t.Fatalf("unexpected log %#v", log)
	}
	if en, _ := find[EnableStart](effects); !en.Enabled {
		t.Fatal("expected start control re-enabled")
	}

	// the recognizer still reports end after an error
	effects = handle(t, c, RecognitionEnded{SessionID: "s1"})
	if len(effects) != 0 {
		t.Fatalf("expected end after failure to be ignored, got %#v", effects)
	}

	handle(t, c, StartRequested{})
	if c.SessionID() != "s2" {
		t.Fatalf("expected a fresh session after failure, got %s", c.SessionID())
	}
}

func TestControllerMediaDenied(t *testing.T) {
	c := newTestController()
	effects := handle(t, c, MediaDenied{Reason: "Permission denied"})
	alert, ok := find[Alert](effects)
	if !ok || alert.Kind != AlertAcquisitionDenied {
		t.Fatalf("expected acquisition alert, got %#v", effects)
	}
	if en, _ := find[EnableStart](effects); en.Enabled {
		t.Fatal("start control must stay disabled")
	}
	if _, err := c.Handle(StartRequested{}); !errors.Is(err, ErrMediaNotReady) {
		t.Fatalf("expected ErrMediaNotReady, got %v", err)
	}
}

func TestControllerCapabilityMissing(t *testing.T) {
	c := newTestController()
	effects := handle(t, c, CapabilityMissing{Capability: "speech.recognition"})
	if alert, _ := find[Alert](effects); alert.Kind != AlertCapabilityUnavailable {
		t.Fatalf("expected capability alert, got %#v", effects)
	}
	effects = handle(t, c, MediaGranted{})
	if en, _ := find[EnableStart](effects); en.Enabled {
		t.Fatal("start control must stay disabled without speech")
	}
	if _, err := c.Handle(StartRequested{}); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestControllerStopOnlyWhileListening(t *testing.T) {
	c := newTestController()
	if effects := handle(t, c, StopRequested{}); len(effects) != 0 {
		t.Fatalf("expected stop to be ignored while idle, got %#v", effects)
	}
	c = listening(t)
	effects := handle(t, c, StopRequested{})
	if stop, ok := find[StopRecognizer](effects); !ok || stop.SessionID != "s1" {
		t.Fatalf("expected recognizer stop, got %#v", effects)
	}
	if c.State() != StateListening {
		t.Fatal("stop waits for the recognizer end signal")
	}
}

func TestControllerIgnoresOtherSessions(t *testing.T) {
	c := listening(t)
	handle(t, c, RecognitionResult{SessionID: "other", Results: results("intruder")})
	handle(t, c, RecognitionEnded{SessionID: "other"})
	if c.State() != StateListening || c.Transcript() != "" {
		t.Fatalf("expected foreign session events ignored, got %s %q", c.State(), c.Transcript())
	}
}

func TestControllerPartialOutcomeFromReply(t *testing.T) {
	c := processing(t)
	reply := protocol.ExtractionReply{SessionID: "s1", Outcome: string(extract.KindPartial), Error: "skills missing", Result: json.RawMessage(`{}`)}
	effects := handle(t, c, ExtractionCompleted{SessionID: reply.SessionID, Outcome: extract.OutcomeFromReply(reply)})
	if alert, _ := find[Alert](effects); alert.Kind != AlertPartialResult {
		t.Fatalf("expected partial alert, got %#v", effects)
	}
}
