package dvm

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	previewRunes     = 120
)

// History derives job history and statistics from previously published
// feedback and result events. Every query lists the Event Bus again.
type History struct {
	bus    EventBus
	pubkey func() string
	kinds  []int
	limit  int
	logger *zap.Logger
}

func newHistory(cfg Config, bus EventBus, pubkey func() string, logger *zap.Logger) *History {
	kinds := []int{protocol.KindFeedback}
	for _, k := range cfg.JobKinds {
		kinds = append(kinds, protocol.ResultKind(k))
	}
	return &History{
		bus:    bus,
		pubkey: pubkey,
		kinds:  kinds,
		limit:  cfg.HistoryLimit,
		logger: logger.With(zap.String("component", "history")),
	}
}

type Page struct {
	Offset int
	Limit  int
}

func (p Page) normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

type JobHistoryEntry struct {
	RequestID  string          `json:"request_id"`
	Requester  string          `json:"requester"`
	Status     protocol.Status `json:"status"`
	Detail     string          `json:"detail,omitempty"`
	AmountSats int64           `json:"amount_sats"`
	ResultKind int             `json:"result_kind,omitempty"`
	ResultID   string          `json:"result_id,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Encrypted  bool            `json:"encrypted"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type JobPage struct {
	Jobs   []JobHistoryEntry `json:"jobs"`
	Total  int               `json:"total"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
}

type JobStatistics struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	AwaitingPayment int     `json:"awaiting_payment"`
	Processing      int     `json:"processing"`
	EarnedSats      int64   `json:"earned_sats"`
	SuccessRate     float64 `json:"success_rate"`
}

// Jobs returns one page of jobs, most recently updated first.
func (h *History) Jobs(ctx context.Context, page Page) (JobPage, error) {
	page = page.normalize()
	entries, err := h.entries(ctx)
	if err != nil {
		return JobPage{}, err
	}
	out := JobPage{Total: len(entries), Offset: page.Offset, Limit: page.Limit, Jobs: []JobHistoryEntry{}}
	if page.Offset >= len(entries) {
		return out, nil
	}
	end := min(page.Offset+page.Limit, len(entries))
	out.Jobs = entries[page.Offset:end]
	return out, nil
}

func (h *History) Stats(ctx context.Context) (JobStatistics, error) {
	entries, err := h.entries(ctx)
	if err != nil {
		return JobStatistics{}, err
	}
	var st JobStatistics
	st.Total = len(entries)
	for _, e := range entries {
		switch e.Status {
		case protocol.StatusSuccess:
			st.Completed++
			st.EarnedSats += e.AmountSats
		case protocol.StatusError:
			st.Failed++
		case protocol.StatusPaymentRequired:
			st.AwaitingPayment++
		case protocol.StatusProcessing, protocol.StatusPartial:
			st.Processing++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total)
	}
	return st, nil
}

func (h *History) events(ctx context.Context) ([]*event.Event, error) {
	if h.bus == nil {
		return nil, newError(KindConfiguration, "", errNoBus)
	}
	filter := event.Filter{Kinds: h.kinds, Limit: h.limit}
	if pk := h.pubkey(); pk != "" {
		filter.Authors = []string{pk}
	}
	evs, err := h.bus.List(ctx, []event.Filter{filter})
	if err != nil {
		return nil, newError(KindConnection, "", err)
	}
	return evs, nil
}

type jobAccumulator struct {
	entry      JobHistoryEntry
	hasResult  bool
	feedbackAt event.Timestamp
	seen       bool
}

func (h *History) entries(ctx context.Context) ([]JobHistoryEntry, error) {
	evs, err := h.events(ctx)
	if err != nil {
		return nil, err
	}
	byID := map[string]*jobAccumulator{}
	get := func(ref protocol.Ref, at event.Timestamp) *jobAccumulator {
		acc, ok := byID[ref.RequestID]
		if !ok {
			acc = &jobAccumulator{entry: JobHistoryEntry{
				RequestID: ref.RequestID,
				Requester: ref.Requester,
				CreatedAt: at.Time(),
				UpdatedAt: at.Time(),
			}}
			byID[ref.RequestID] = acc
		}
		if t := at.Time(); t.Before(acc.entry.CreatedAt) {
			acc.entry.CreatedAt = t
		} else if t.After(acc.entry.UpdatedAt) {
			acc.entry.UpdatedAt = t
		}
		return acc
	}

	for _, ev := range evs {
		if r, ok := protocol.ParseResult(ev); ok {
			acc := get(r.Ref, r.CreatedAt)
			acc.hasResult = true
			acc.entry.Status = protocol.StatusSuccess
			acc.entry.Detail = ""
			acc.entry.ResultKind = r.Kind
			acc.entry.ResultID = ev.ID
			acc.entry.Encrypted = r.Encrypted
			if r.AmountMsats > 0 {
				acc.entry.AmountSats = r.AmountMsats / 1000
			}
			if !r.Encrypted {
				acc.entry.Preview = preview(r.Content)
			}
			continue
		}
		fb, ok := protocol.ParseFeedback(ev)
		if !ok {
			continue
		}
		acc := get(fb.Ref, fb.CreatedAt)
		if acc.entry.AmountSats == 0 && fb.AmountMsats > 0 {
			acc.entry.AmountSats = fb.AmountMsats / 1000
		}
		if acc.hasResult {
			continue
		}
		newer := !acc.seen || fb.CreatedAt > acc.feedbackAt ||
			(fb.CreatedAt == acc.feedbackAt && fb.Status.Terminal() && !acc.entry.Status.Terminal())
		if newer {
			acc.seen = true
			acc.feedbackAt = fb.CreatedAt
			acc.entry.Status = fb.Status
			acc.entry.Detail = fb.Detail
		}
	}

	out := make([]JobHistoryEntry, 0, len(byID))
	for _, acc := range byID {
		out = append(out, acc.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}
