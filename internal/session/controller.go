// Package session owns the listening lifecycle: idle, listening, processing
// and displaying. Controller is a pure state machine; Service feeds it from
// the bus and carries out its effects.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-intake/internal/display"
	"github.com/loqalabs/loqa-intake/internal/eventstore"
	"github.com/loqalabs/loqa-intake/internal/extract"
	"github.com/loqalabs/loqa-intake/internal/protocol"
	"github.com/loqalabs/loqa-intake/internal/transcript"
)

type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateDisplaying State = "displaying"
)

var (
	ErrSessionBusy           = errors.New("a listening session is already in progress")
	ErrMediaNotReady         = errors.New("media capture has not been granted")
	ErrCapabilityUnavailable = errors.New("a required capability is unavailable")
)

// Alert kinds shown to the user.
const (
	AlertCapabilityUnavailable = "capability-unavailable"
	AlertAcquisitionDenied     = "acquisition-denied"
	AlertRecognitionFailure    = "recognition-failure"
	AlertMalformedResponse     = "malformed-response"
	AlertPartialResult         = "partial-result"
	AlertExtractionFailed      = "extraction-failed"
)

// Event is an input to the controller.
type Event interface{ isEvent() }

type (
	MediaGranted       struct{}
	MediaDenied        struct{ Reason string }
	StartRequested     struct{}
	StopRequested      struct{}
	RecognitionStarted struct{ SessionID string }
	RecognitionEnded   struct{ SessionID string }
	RecognitionFailed  struct{ SessionID, Message string }
)

// CapabilityMissing disables a feature for the lifetime of the process.
type CapabilityMissing struct{ Capability, Reason string }

// RecognitionResult carries the growing result list of a session; only
// entries from ResultIndex on are new.
type RecognitionResult struct {
	SessionID   string
	ResultIndex int
	Results     []protocol.RecognitionResultEntry
}

type ExtractionCompleted struct {
	SessionID string
	Outcome   extract.Outcome
}

func (MediaGranted) isEvent()        {}
func (MediaDenied) isEvent()         {}
func (CapabilityMissing) isEvent()   {}
func (StartRequested) isEvent()      {}
func (StopRequested) isEvent()       {}
func (RecognitionStarted) isEvent()  {}
func (RecognitionResult) isEvent()   {}
func (RecognitionEnded) isEvent()    {}
func (RecognitionFailed) isEvent()   {}
func (ExtractionCompleted) isEvent() {}

// Effect is an action the controller asks its host to perform, in order.
type Effect interface{ isEffect() }

type (
	Show              struct{ Targets []display.Target }
	Hide              struct{ Targets []display.Target }
	EnableStart       struct{ Enabled bool }
	Render            struct{ Fields display.Fields }
	Alert             struct{ Kind, Message string }
	StartRecognizer   struct{ SessionID string }
	StopRecognizer    struct{ SessionID string }
	RequestExtraction struct{ SessionID, Transcript string }
)

// Log records a timeline entry for the session.
type Log struct {
	SessionID string
	Type      string
	Payload   map[string]any
}

func (Show) isEffect()              {}
func (Hide) isEffect()              {}
func (EnableStart) isEffect()       {}
func (Render) isEffect()            {}
func (Alert) isEffect()             {}
func (StartRecognizer) isEffect()   {}
func (StopRecognizer) isEffect()    {}
func (RequestExtraction) isEffect() {}
func (Log) isEffect()               {}

// Controller is not safe for concurrent use.
type Controller struct {
	state       State
	sessionID   string
	acc         *transcript.Accumulator
	mediaReady  bool
	unavailable string
	newID       func() string
}

func NewController() *Controller {
	return &Controller{state: StateIdle, newID: uuid.NewString}
}

func (c *Controller) State() State { return c.state }

// SessionID is the current or most recently displayed session.
func (c *Controller) SessionID() string { return c.sessionID }

// Transcript returns the text accumulated so far in the listening session.
func (c *Controller) Transcript() string {
	if c.acc == nil {
		return ""
	}
	return c.acc.String()
}

func (c *Controller) startAllowed() bool {
	return c.mediaReady && c.unavailable == "" && (c.state == StateIdle || c.state == StateDisplaying)
}

// Handle applies evt and returns the effects to perform. A non-nil error
// means the event was rejected; the returned effects are still valid.
func (c *Controller) Handle(evt Event) ([]Effect, error) {
	switch e := evt.(type) {
	case MediaGranted:
		c.mediaReady = true
		return []Effect{EnableStart{Enabled: c.startAllowed()}}, nil

	case MediaDenied:
		c.mediaReady = false
		return []Effect{
			EnableStart{Enabled: false},
			Alert{Kind: AlertAcquisitionDenied, Message: withReason("Could not access camera and microphone", e.Reason)},
		}, nil

	case CapabilityMissing:
		c.unavailable = e.Capability
		return []Effect{
			EnableStart{Enabled: false},
			Alert{Kind: AlertCapabilityUnavailable, Message: withReason(e.Capability+" is not available", e.Reason)},
		}, nil

	case StartRequested:
		return c.start()

	case StopRequested:
		if c.state != StateListening {
			return nil, nil
		}
		return []Effect{StopRecognizer{SessionID: c.sessionID}}, nil

	case RecognitionStarted:
		return nil, nil

	case RecognitionResult:
		if !c.listeningTo(e.SessionID) {
			return nil, nil
		}
		c.acc.Append(e.Results, e.ResultIndex)
		return nil, nil

	case RecognitionEnded:
		if !c.listeningTo(e.SessionID) {
			return nil, nil
		}
		text := c.acc.Final()
		c.acc = nil
		c.state = StateProcessing
		return []Effect{
			Hide{Targets: []display.Target{display.SpeakNow}},
			Show{Targets: []display.Target{display.StartButton, display.Processing}},
			EnableStart{Enabled: false},
			Log{SessionID: c.sessionID, Type: eventstore.TypeTranscriptFinal, Payload: map[string]any{"transcript": text}},
			RequestExtraction{SessionID: c.sessionID, Transcript: text},
		}, nil

	case RecognitionFailed:
		if !c.listeningTo(e.SessionID) {
			return nil, nil
		}
		id := c.sessionID
		c.acc = nil
		c.sessionID = ""
		c.state = StateIdle
		return []Effect{
			Hide{Targets: []display.Target{display.SpeakNow}},
			Show{Targets: []display.Target{display.StartButton}},
			EnableStart{Enabled: c.startAllowed()},
			Alert{Kind: AlertRecognitionFailure, Message: withReason("Speech recognition failed", e.Message)},
			Log{SessionID: id, Type: eventstore.TypeRecognitionError, Payload: map[string]any{"error": e.Message}},
		}, nil

	case ExtractionCompleted:
		if c.state != StateProcessing || e.SessionID != c.sessionID {
			return nil, nil
		}
		return c.complete(e.Outcome), nil

	default:
		return nil, fmt.Errorf("unknown event %T", evt)
	}
}

func (c *Controller) start() ([]Effect, error) {
	switch {
	case c.state == StateListening || c.state == StateProcessing:
		return nil, ErrSessionBusy
	case c.unavailable != "":
		return nil, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, c.unavailable)
	case !c.mediaReady:
		return nil, ErrMediaNotReady
	}

	var effects []Effect
	if c.state == StateDisplaying {
		effects = append(effects, Hide{Targets: []display.Target{display.InfoPanel}})
	}
	c.sessionID = c.newID()
	c.acc = transcript.New(c.sessionID)
	c.state = StateListening
	return append(effects,
		Show{Targets: []display.Target{display.SpeakNow}},
		Hide{Targets: []display.Target{display.StartButton}},
		Log{SessionID: c.sessionID, Type: eventstore.TypeSessionStarted},
		StartRecognizer{SessionID: c.sessionID},
	), nil
}

func (c *Controller) complete(out extract.Outcome) []Effect {
	payload := map[string]any{"outcome": string(out.Kind), "latency_ms": out.Latency.Milliseconds()}
	if out.OK() {
		c.state = StateDisplaying
		payload["result"] = out.Result
		return []Effect{
			Hide{Targets: []display.Target{display.Processing}},
			Render{Fields: display.Render(out.Result)},
			Show{Targets: []display.Target{display.InfoPanel}},
			EnableStart{Enabled: c.startAllowed()},
			Log{SessionID: c.sessionID, Type: eventstore.TypeExtractionSucceeded, Payload: payload},
		}
	}

	c.state = StateIdle
	if out.Err != nil {
		payload["error"] = out.Err.Error()
	}
	if out.Raw != "" {
		payload["raw"] = out.Raw
	}
	return []Effect{
		Hide{Targets: []display.Target{display.Processing}},
		EnableStart{Enabled: c.startAllowed()},
		failureAlert(out),
		Log{SessionID: c.sessionID, Type: eventstore.TypeExtractionFailed, Payload: payload},
	}
}

func (c *Controller) listeningTo(sessionID string) bool {
	return c.state == StateListening && sessionID == c.sessionID
}

func failureAlert(out extract.Outcome) Alert {
	switch out.Kind {
	case extract.KindMalformed:
		return Alert{Kind: AlertMalformedResponse, Message: "The extraction service returned an unreadable answer. Please try again."}
	case extract.KindPartial:
		return Alert{Kind: AlertPartialResult, Message: "The extraction service returned an incomplete answer. Please try again."}
	default:
		return Alert{Kind: AlertExtractionFailed, Message: "The extraction service could not be reached. Please try again."}
	}
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg + "."
	}
	return msg + ": " + reason
}
