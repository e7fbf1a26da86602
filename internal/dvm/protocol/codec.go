package protocol

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/event"
)

// Ref identifies the request a feedback or result event answers.
type Ref struct {
	RequestID string
	Requester string
}

func (r Request) Ref() Ref {
	return Ref{RequestID: r.ID, Requester: r.Requester}
}

type Feedback struct {
	Status      Status
	Detail      string
	AmountMsats int64
	Invoice     string
}

type Result struct {
	Content     string
	AmountMsats int64
	Invoice     string
	Encrypted   bool
}

// Codec builds unsigned outbound events.
type Codec struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewCodec(logger *zap.Logger, now func() time.Time) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{logger: logger.With(zap.String("component", "codec")), now: now}
}

// Feedback builds a kind 7000 status event. Malformed references are logged
// and the event is still built.
func (c *Codec) Feedback(ref Ref, fb Feedback) *event.Event {
	c.checkRef(ref, fb.Status.String())

	status := event.Tag{"status", fb.Status.String()}
	content := ""
	switch fb.Status {
	case StatusPartial:
		content = fb.Detail
	case StatusError:
		if len(fb.Detail) > LongDetailThreshold {
			content = fb.Detail
			status = append(status, truncateDetail(fb.Detail))
		} else if fb.Detail != "" {
			status = append(status, fb.Detail)
		}
	case StatusPaymentRequired, StatusProcessing, StatusSuccess:
		if fb.Detail != "" {
			status = append(status, fb.Detail)
		}
	}

	tags := event.Tags{
		{"e", ref.RequestID},
		{"p", ref.Requester},
		status,
	}
	if fb.AmountMsats > 0 || fb.Invoice != "" {
		amount := event.Tag{"amount", strconv.FormatInt(fb.AmountMsats, 10)}
		if fb.Invoice != "" {
			amount = append(amount, fb.Invoice)
		}
		tags = append(tags, amount)
	}
	return &event.Event{
		CreatedAt: event.TimestampFrom(c.now()),
		Kind:      KindFeedback,
		Tags:      tags,
		Content:   content,
	}
}

// truncateDetail cuts s to at most LongDetailThreshold bytes on a rune
// boundary, marking the cut with an ellipsis.
func truncateDetail(s string) string {
	const ellipsis = "…"
	limit := LongDetailThreshold - len(ellipsis)
	cut := 0
	for i := range s {
		if i > limit {
			break
		}
		cut = i
	}
	return s[:cut] + ellipsis
}

// Result builds the result event for req. Input tags of unencrypted
// requests are copied through for consumer context.
func (c *Codec) Result(req Request, res Result) *event.Event {
	ref := req.Ref()
	c.checkRef(ref, "result")

	tags := event.Tags{
		{"e", ref.RequestID},
		{"p", ref.Requester},
		{"amount", strconv.FormatInt(res.AmountMsats, 10), res.Invoice},
	}
	if res.Encrypted {
		tags = append(tags, event.Tag{"encrypted"})
	} else {
		for _, in := range req.Inputs {
			tags = append(tags, in.Tag())
		}
	}
	return &event.Event{
		CreatedAt: event.TimestampFrom(c.now()),
		Kind:      ResultKind(req.Kind),
		Tags:      tags,
		Content:   res.Content,
	}
}

func (c *Codec) checkRef(ref Ref, what string) {
	if !event.IsHexID(ref.RequestID) {
		c.logger.Error("malformed request id on outbound event", zap.String("event", what), zap.String("request_id", ref.RequestID))
	}
	if !event.IsHexID(ref.Requester) {
		c.logger.Error("malformed requester pubkey on outbound event", zap.String("event", what), zap.String("requester", ref.Requester))
	}
}
