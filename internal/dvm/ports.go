package dvm

import (
	"context"

	"jobvend/internal/event"
	"jobvend/internal/ledger"
)

// EventBus is the relay transport.
type EventBus interface {
	Relays() []string
	Publish(ctx context.Context, ev *event.Event) error
	Subscribe(ctx context.Context, filters []event.Filter, onEvent func(*event.Event), onEOSE func()) (event.Subscription, error)
	List(ctx context.Context, filters []event.Filter) ([]*event.Event, error)
}

// SecureChannel encrypts payloads between two key holders.
type SecureChannel interface {
	Encrypt(our *event.Keys, theirPubKey, plaintext string) (string, error)
	Decrypt(our *event.Keys, theirPubKey, ciphertext string) (string, error)
}

// Deduper reports whether an inbound event id is seen for the first time.
type Deduper interface {
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// Ledger records delivered jobs.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) error
	Delivered(ctx context.Context, jobID string) (bool, error)
}

// Archive stores a copy of delivered outputs.
type Archive interface {
	Put(ctx context.Context, jobID string, content []byte, contentType string) error
}
