package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data captured for a listening session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// RecognitionType enumerates recognizer lifecycle events.
type RecognitionType string

const (
	RecognitionStart  RecognitionType = "start"
	RecognitionResult RecognitionType = "result"
	RecognitionEnd    RecognitionType = "end"
	RecognitionError  RecognitionType = "error"
)

// Alternative is one candidate transcript of a recognition result.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
}

// RecognitionResultEntry holds the alternatives for one finalized segment.
// The first alternative is the best one.
type RecognitionResultEntry struct {
	Alternatives []Alternative `json:"alternatives"`
}

// RecognitionEvent is emitted by the speech service. For result events
// Results is the full, growing list for the session and ResultIndex is the
// first entry not reported before.
type RecognitionEvent struct {
	SessionID   string                   `json:"session_id"`
	Type        RecognitionType          `json:"type"`
	ResultIndex int                      `json:"result_index"`
	Results     []RecognitionResultEntry `json:"results,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// SessionAction is a recognizer control verb.
type SessionAction string

const (
	ActionStart SessionAction = "start"
	ActionStop  SessionAction = "stop"
)

// SessionCommand starts or stops recognition for a session.
type SessionCommand struct {
	SessionID string        `json:"session_id"`
	Action    SessionAction `json:"action"`
	Language  string        `json:"language,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ExtractionRequest carries the final transcript of one listening session.
type ExtractionRequest struct {
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExtractionReply reports the outcome of one extraction call. Result holds
// the sanitized JSON object when the outcome is success.
type ExtractionReply struct {
	SessionID string          `json:"session_id"`
	Outcome   string          `json:"outcome"`
	Result    json.RawMessage `json:"result,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	TraceID   string          `json:"trace_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MediaStatus reports the outcome of a capture request. Unavailable marks a
// missing capture API or device rather than a refusal.
type MediaStatus struct {
	ClientID    string `json:"client_id,omitempty"`
	Granted     bool   `json:"granted"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Audio       bool   `json:"audio"`
	Video       bool   `json:"video"`
	Error       string `json:"error,omitempty"`
}

// UserCommand is a start or stop click coming from a display client.
type UserCommand struct {
	Action    SessionAction `json:"action"`
	ClientID  string        `json:"client_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSTTControl       = "stt.control"
	SubjectSTTEvent         = "stt.event"
	SubjectExtractRequest   = "extract.request"
	SubjectExtractReply     = "extract.reply"
	SubjectMediaStatus      = "media.status"
	SubjectUserCommand      = "ui.command"
	SubjectDisplayUpdate    = "ui.update"
	SubjectCapability       = "ctrl.capability.announce"
)

// AudioSubject returns the subject frames for sessionID are published on.
func AudioSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
