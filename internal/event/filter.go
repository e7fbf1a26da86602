package event

import (
	"encoding/json"
	"slices"
)

// Filter selects events on a relay subscription.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Tags maps a single-letter tag name to accepted values ("e" → ids).
	Tags  map[string][]string
	Since *Timestamp
	Until *Timestamp
	Limit int
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			out["#"+name] = values
		}
	}
	if f.Since != nil {
		out["since"] = int64(*f.Since)
	}
	if f.Until != nil {
		out["until"] = int64(*f.Until)
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return json.Marshal(out)
}

// Matches applies the filter locally.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range e.Tags.Values(name) {
			if slices.Contains(values, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func MatchesAny(filters []Filter, e *Event) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// Subscription is a live relay subscription handle.
type Subscription interface {
	Unsubscribe()
}
