package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a unix timestamp in seconds, as carried on the wire.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

func TimestampFrom(t time.Time) Timestamp { return Timestamp(t.Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }

// Tag is one ordered tag entry, e.g. ["e", "<id>"].
type Tag []string

func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first element after the tag name.
func (t Tag) Value() string {
	return t.At(1)
}

func (t Tag) At(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

type Tags []Tag

// Find returns the first tag with the given name.
func (ts Tags) Find(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

func (ts Tags) FindAll(name string) []Tag {
	var out []Tag
	for _, t := range ts {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

func (ts Tags) Has(name string) bool {
	_, ok := ts.Find(name)
	return ok
}

// Values collects the first value of every tag with the given name.
func (ts Tags) Values(name string) []string {
	var out []string
	for _, t := range ts.FindAll(name) {
		if v := t.Value(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Event is a relay event record.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Serialize returns the canonical array form the event id is hashed from:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>] with no whitespace.
func (e *Event) Serialize() []byte {
	var b strings.Builder
	b.Grow(128 + len(e.Content))
	b.WriteString(`[0,`)
	writeString(&b, e.PubKey)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(int64(e.CreatedAt), 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(`,[`)
	for i, t := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, s := range t {
			if j > 0 {
				b.WriteByte(',')
			}
			writeString(&b, s)
		}
		b.WriteByte(']')
	}
	b.WriteString(`],`)
	writeString(&b, e.Content)
	b.WriteByte(']')
	return []byte(b.String())
}

// ComputeID hashes the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether ID matches the event contents.
func (e *Event) CheckID() bool {
	return e.ID == e.ComputeID()
}

func writeString(b *strings.Builder, s string) {
	const hexDigits = "0123456789abcdef"
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// IsHexID reports whether s is a 64-char lowercase hex identifier
// (event ids and x-only public keys share this shape).
func IsHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
