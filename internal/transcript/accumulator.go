// Package transcript accumulates finalized recognition results into the flat
// text of one listening session.
package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-intake/internal/protocol"
)

// Accumulator owns the transcript of a single listening session. It is
// created when listening starts and consumed when the session ends; it is not
// safe for concurrent use.
type Accumulator struct {
	sessionID string
	buf       strings.Builder
	segments  int
}

// New returns an empty accumulator for sessionID.
func New(sessionID string) *Accumulator {
	return &Accumulator{sessionID: sessionID}
}

func (a *Accumulator) SessionID() string { return a.sessionID }

// Append adds the best alternative of every result from startIndex onward,
// trimmed and followed by one space. Results without alternatives are skipped.
func (a *Accumulator) Append(results []protocol.RecognitionResultEntry, startIndex int) {
	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(results); i++ {
		if len(results[i].Alternatives) == 0 {
			continue
		}
		a.buf.WriteString(strings.TrimSpace(results[i].Alternatives[0].Transcript))
		a.buf.WriteByte(' ')
		a.segments++
	}
}

// String returns the raw accumulated text including the trailing separator.
func (a *Accumulator) String() string {
	return a.buf.String()
}

// Final returns the trimmed transcript sent for extraction.
func (a *Accumulator) Final() string {
	return strings.TrimSpace(a.buf.String())
}

// Segments reports how many results have been appended.
func (a *Accumulator) Segments() int {
	return a.segments
}
