package llm

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-intake/internal/config"
)

// ErrUnavailable reports that no usable text generation backend exists.
var ErrUnavailable = errors.New("llm: text generation capability unavailable")

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// NewGenerator returns the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	if !cfg.Enabled {
		return nil, ErrUnavailable
	}
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Model, cfg.Endpoint)
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, ErrUnavailable
	}
}

// Collect runs the generator and concatenates every chunk into one reply.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var out []byte
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		out = append(out, chunk.Content...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
