package protocol

import (
	"strconv"

	"jobvend/internal/event"
)

// ParsedFeedback is the read-side view of a published feedback event.
type ParsedFeedback struct {
	Ref         Ref
	Status      Status
	Detail      string
	AmountMsats int64
	Invoice     string
	CreatedAt   event.Timestamp
}

// ParseFeedback reads back a feedback event built by Codec.Feedback.
func ParseFeedback(ev *event.Event) (ParsedFeedback, bool) {
	if ev == nil || ev.Kind != KindFeedback {
		return ParsedFeedback{}, false
	}
	st, ok := ev.Tags.Find("status")
	if !ok {
		return ParsedFeedback{}, false
	}
	status, err := ParseStatus(st.Value())
	if err != nil {
		return ParsedFeedback{}, false
	}
	out := ParsedFeedback{
		Ref:       refFrom(ev),
		Status:    status,
		Detail:    st.At(2),
		CreatedAt: ev.CreatedAt,
	}
	if ev.Content != "" && (out.Detail == "" || status == StatusError) {
		out.Detail = ev.Content
	}
	out.AmountMsats, out.Invoice = amountFrom(ev)
	return out, out.Ref.RequestID != ""
}

// ParsedResult is the read-side view of a published result event.
type ParsedResult struct {
	Ref         Ref
	Kind        int
	Content     string
	Encrypted   bool
	AmountMsats int64
	Invoice     string
	CreatedAt   event.Timestamp
}

func ParseResult(ev *event.Event) (ParsedResult, bool) {
	if ev == nil || !IsResultKind(ev.Kind) {
		return ParsedResult{}, false
	}
	out := ParsedResult{
		Ref:       refFrom(ev),
		Kind:      ev.Kind,
		Content:   ev.Content,
		Encrypted: ev.Tags.Has("encrypted"),
		CreatedAt: ev.CreatedAt,
	}
	out.AmountMsats, out.Invoice = amountFrom(ev)
	return out, out.Ref.RequestID != ""
}

func refFrom(ev *event.Event) Ref {
	var ref Ref
	if t, ok := ev.Tags.Find("e"); ok {
		ref.RequestID = t.Value()
	}
	if t, ok := ev.Tags.Find("p"); ok {
		ref.Requester = t.Value()
	}
	return ref
}

func amountFrom(ev *event.Event) (int64, string) {
	t, ok := ev.Tags.Find("amount")
	if !ok {
		return 0, ""
	}
	n, _ := strconv.ParseInt(t.Value(), 10, 64)
	return n, t.At(2)
}
