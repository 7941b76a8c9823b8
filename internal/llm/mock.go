package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

var (
	mockName = regexp.MustCompile(`(?i)my name is ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`)
	mockAge  = regexp.MustCompile(`(?i)\b(\d{1,3}) years? old\b`)
)

// Generate answers with a chatty reply wrapping a JSON object, the way small
// local models tend to.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	record := map[string]any{
		"fullName": nil,
		"age":      nil,
		"role":     nil,
		"country":  nil,
		"skills":   []string{},
	}
	prompt := strings.TrimSpace(req.Prompt)
	if match := mockName.FindStringSubmatch(prompt); match != nil {
		record["fullName"] = match[1]
	}
	if match := mockAge.FindStringSubmatch(prompt); match != nil {
		if age, err := strconv.Atoi(match[1]); err == nil {
			record["age"] = age
		}
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "Here is the extracted information:\n" + string(body) + "\n",
		Partial:   false,
		Latency:   20 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
