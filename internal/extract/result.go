package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Result is the personal record extracted from one transcript. Nil scalars
// mean the model reported the field as unknown.
type Result struct {
	FullName *string      `json:"fullName"`
	Age      *json.Number `json:"age"`
	Role     *string      `json:"role"`
	Country  *string      `json:"country"`
	Skills   []string     `json:"skills"`
}

type wireResult struct {
	FullName *string         `json:"fullName"`
	Age      json.RawMessage `json:"age"`
	Role     *string         `json:"role"`
	Country  *string         `json:"country"`
	Skills   *[]string       `json:"skills"`
}

// Parse decodes a sanitized JSON object. Syntax and type errors wrap
// ErrMalformedResponse; an object without a skills list wraps
// ErrPartialResult and still returns the decoded fields.
func Parse(sanitized string) (Result, error) {
	var wire wireResult
	if err := json.Unmarshal([]byte(sanitized), &wire); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	age, err := parseAge(wire.Age)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		FullName: wire.FullName,
		Age:      age,
		Role:     wire.Role,
		Country:  wire.Country,
	}
	if wire.Skills == nil {
		return res, fmt.Errorf("%w: skills missing", ErrPartialResult)
	}
	res.Skills = *wire.Skills
	return res, nil
}

// parseAge accepts a JSON number, null, or a string holding a JSON number.
// Anything else, including "+30", ".5" or "NaN", is malformed.
func parseAge(raw json.RawMessage) (*json.Number, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return nil, fmt.Errorf("%w: age: %v", ErrMalformedResponse, err)
		}
		text = strings.TrimSpace(unquoted)
	}
	if !isNumber(text) {
		return nil, fmt.Errorf("%w: age %s is not a number", ErrMalformedResponse, raw)
	}
	n := json.Number(text)
	return &n, nil
}

// isNumber reports whether text is a single JSON number literal.
func isNumber(text string) bool {
	if text == "" || (text[0] != '-' && (text[0] < '0' || text[0] > '9')) {
		return false
	}
	var f float64
	return json.Unmarshal([]byte(text), &f) == nil
}
