package stt

import (
	"context"
	"sync"
)

var defaultScript = []string{
	"Hi, my name is Ann Berg",
	"I am 30 years old and I live in Norway",
	"I work as a backend engineer, mostly Go and SQL",
}

// mockRecognizer replays a script, one line per transcribed segment, and
// wraps around when it runs out.
type mockRecognizer struct {
	mu     sync.Mutex
	script []string
	next   int
}

func NewMockRecognizer(script []string) Recognizer {
	if len(script) == 0 {
		script = defaultScript
	}
	return &mockRecognizer{script: append([]string(nil), script...)}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, _ bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.script[m.next%len(m.script)]
	m.next++
	return TranscriptResult{Text: text, Confidence: 1}, nil
}
