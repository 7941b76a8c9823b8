package extract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedResponse reports a model reply without a parseable JSON
	// object.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrPartialResult reports a parseable object missing the skills list.
	ErrPartialResult = errors.New("partial extraction result")
)

// Sanitize returns the text between the first '{' and the last '}' of raw,
// inclusive. It does not balance braces: stray braces before the real object
// or inside its strings produce a slice that will not parse.
func Sanitize(raw string) (string, error) {
	open := strings.IndexByte(raw, '{')
	closing := strings.LastIndexByte(raw, '}')
	if open == -1 || closing == -1 {
		return "", fmt.Errorf("%w: no JSON object delimiters found", ErrMalformedResponse)
	}
	if closing < open {
		return "", fmt.Errorf("%w: closing brace precedes opening brace", ErrMalformedResponse)
	}
	return raw[open : closing+1], nil
}
