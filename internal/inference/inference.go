// Package inference generates text for paid jobs.
package inference

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("inference: empty response from model")

// Request is one generation call. A nil Temperature leaves the backend
// default in place; zero is a valid setting.
type Request struct {
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Response carries the generated text and, when the backend reports it,
// token usage.
type Response struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

type Provider interface {
	Name() string
	GenerateText(ctx context.Context, req Request) (Response, error)
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}
