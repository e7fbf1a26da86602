package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"jobvend/internal/event"
)

var (
	ErrNoInputs    = errors.New("job request has no inputs")
	ErrNoTextInput = errors.New("job request has no text input")
)

// RequestError reports a job request that cannot be processed.
type RequestError struct {
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid job request %s: %v", e.RequestID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

type InputType string

const (
	InputText  InputType = "text"
	InputURL   InputType = "url"
	InputEvent InputType = "event"
	InputJob   InputType = "job"
)

type Input struct {
	Value  string
	Type   InputType
	Relay  string
	Marker string
}

// Tag returns the wire form ["i", value, type, relay?, marker?].
func (in Input) Tag() event.Tag {
	t := event.Tag{"i", in.Value, string(in.Type)}
	if in.Relay != "" || in.Marker != "" {
		t = append(t, in.Relay)
	}
	if in.Marker != "" {
		t = append(t, in.Marker)
	}
	return t
}

// Request is a parsed job request. The source event is kept for reference
// and never mutated.
type Request struct {
	Event     *event.Event
	ID        string
	Requester string
	Kind      int
	Inputs    []Input
	Params    map[string]string
	Output    string
	BidMsats  int64
	Encrypted bool
	// Providers lists the service pubkeys the request is addressed to, if any.
	Providers []string
}

// Prompt returns the first text input.
func (r Request) Prompt() string {
	for _, in := range r.Inputs {
		if in.Type == InputText {
			return in.Value
		}
	}
	return ""
}

func (r Request) Param(key string) (string, bool) {
	v, ok := r.Params[key]
	return v, ok
}

// requestTag is the typed form of one known request tag.
type requestTag interface{ isRequestTag() }

type (
	inputTag     struct{ Input }
	paramTag     struct{ Key, Value string }
	outputTag    struct{ MIME string }
	bidTag       struct{ Msats int64 }
	encryptedTag struct{}
	providerTag  struct{ PubKey string }
)

func (inputTag) isRequestTag()     {}
func (paramTag) isRequestTag()     {}
func (outputTag) isRequestTag()    {}
func (bidTag) isRequestTag()       {}
func (encryptedTag) isRequestTag() {}
func (providerTag) isRequestTag()  {}

// decodeTag maps a wire tag onto its typed variant. Unknown tag names decode
// to nil; known names with a malformed shape are errors.
func decodeTag(t event.Tag) (requestTag, error) {
	switch t.Name() {
	case "i":
		if len(t) < 3 || t.At(2) == "" {
			return nil, fmt.Errorf("malformed input tag %q", []string(t))
		}
		return inputTag{Input{Value: t.At(1), Type: InputType(t.At(2)), Relay: t.At(3), Marker: t.At(4)}}, nil
	case "param":
		if len(t) < 3 || strings.TrimSpace(t.At(1)) == "" {
			return nil, fmt.Errorf("malformed param tag %q", []string(t))
		}
		return paramTag{Key: strings.TrimSpace(t.At(1)), Value: t.At(2)}, nil
	case "output":
		return outputTag{MIME: t.At(1)}, nil
	case "bid":
		n, err := strconv.ParseInt(strings.TrimSpace(t.At(1)), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed bid tag %q", []string(t))
		}
		return bidTag{Msats: n}, nil
	case "encrypted":
		return encryptedTag{}, nil
	case "p":
		if t.Value() == "" {
			return nil, nil
		}
		return providerTag{PubKey: t.Value()}, nil
	}
	return nil, nil
}

// ParseRequest decodes a job request event. When the event is marked
// encrypted its body is decrypted with decrypt and parsed as a tag list.
func ParseRequest(ev *event.Event, decrypt func(ciphertext string) (string, error)) (Request, error) {
	if ev == nil {
		return Request{}, &RequestError{Err: errors.New("nil event")}
	}
	req := Request{
		Event:     ev,
		ID:        ev.ID,
		Requester: ev.PubKey,
		Kind:      ev.Kind,
		Params:    map[string]string{},
	}
	fail := func(err error) (Request, error) {
		return Request{}, &RequestError{RequestID: ev.ID, Err: err}
	}

	tags := ev.Tags
	if ev.Tags.Has("encrypted") {
		req.Encrypted = true
		if decrypt == nil {
			return fail(errors.New("encrypted request but no secure channel"))
		}
		plain, err := decrypt(ev.Content)
		if err != nil {
			return fail(fmt.Errorf("decrypt request: %w", err))
		}
		var inner []event.Tag
		if err := json.Unmarshal([]byte(plain), &inner); err != nil {
			return fail(fmt.Errorf("decode encrypted tags: %w", err))
		}
		tags = append(event.Tags{}, ev.Tags...)
		tags = append(tags, inner...)
	}

	for _, raw := range tags {
		tv, err := decodeTag(raw)
		if err != nil {
			return fail(err)
		}
		switch v := tv.(type) {
		case inputTag:
			req.Inputs = append(req.Inputs, v.Input)
		case paramTag:
			req.Params[v.Key] = v.Value
		case outputTag:
			req.Output = v.MIME
		case bidTag:
			req.BidMsats = v.Msats
		case encryptedTag:
			req.Encrypted = true
		case providerTag:
			req.Providers = append(req.Providers, v.PubKey)
		case nil:
		}
	}

	if len(req.Inputs) == 0 {
		return fail(ErrNoInputs)
	}
	if strings.TrimSpace(req.Prompt()) == "" {
		return fail(ErrNoTextInput)
	}
	return req, nil
}
