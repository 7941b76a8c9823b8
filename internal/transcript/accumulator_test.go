package transcript

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-intake/internal/protocol"
)

func entries(texts ...string) []protocol.RecognitionResultEntry {
	out := make([]protocol.RecognitionResultEntry, 0, len(texts))
	for _, text := range texts {
		out = append(out, protocol.RecognitionResultEntry{
			Alternatives: []protocol.Alternative{{Transcript: text}},
		})
	}
	return out
}

func TestAppendTrimsAndSeparates(t *testing.T) {
	acc := New("s1")
	acc.Append(entries("  my name is Ann ", "I am thirty"), 0)
	if got, want := acc.String(), "my name is Ann I am thirty "; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := acc.Final(), "my name is Ann I am thirty"; got != want {
		t.Fatalf("final got %q, want %q", got, want)
	}
	if acc.Segments() != 2 {
		t.Fatalf("expected 2 segments, got %d", acc.Segments())
	}
}

func TestAppendOnlyNewSuffix(t *testing.T) {
	acc := New("s1")
	growing := entries("one")
	acc.Append(growing, 0)
	growing = append(growing, entries("two", "three")...)
	acc.Append(growing, 1)
	if got, want := acc.String(), "one two three "; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplitIndependence(t *testing.T) {
	texts := []string{" alpha", "beta ", " gamma ", "delta", "epsilon"}
	all := entries(texts...)

	var want strings.Builder
	for _, text := range texts {
		want.WriteString(strings.TrimSpace(text) + " ")
	}

	// Every way of splitting the growing list into consecutive events must
	// produce the same transcript.
	for mask := 0; mask < 1<<(len(all)-1); mask++ {
		acc := New("s")
		start := 0
		for i := 1; i <= len(all); i++ {
			boundary := i == len(all) || mask&(1<<(i-1)) != 0
			if boundary {
				acc.Append(all[:i], start)
				start = i
			}
		}
		if acc.String() != want.String() {
			t.Fatalf("mask %b: got %q, want %q", mask, acc.String(), want.String())
		}
	}
}

func TestAppendEdgeIndexes(t *testing.T) {
	acc := New("s")
	acc.Append(entries("a", "b"), -3)
	acc.Append(entries("a", "b"), 5)
	acc.Append([]protocol.RecognitionResultEntry{{}}, 0)
	if got, want := acc.String(), "a b "; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEmptySession(t *testing.T) {
	acc := New("s")
	if acc.Final() != "" || acc.SessionID() != "s" {
		t.Fatalf("expected empty transcript for fresh session")
	}
}
