package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jobvend/internal/event"
)

var (
	reqID     = strings.Repeat("a", 64)
	requester = strings.Repeat("b", 64)
	fixedNow  = func() time.Time { return time.Unix(1700000000, 0) }
)

func TestResultKind(t *testing.T) {
	assert.Equal(t, 6100, ResultKind(5100))
	assert.Equal(t, 6050, ResultKind(5050))
	assert.Equal(t, 6999, ResultKind(6999))
	assert.Equal(t, 6000, ResultKind(4000))
	assert.Equal(t, 6000, ResultKind(5000))
}

func TestFeedbackTagLayout(t *testing.T) {
	c := NewCodec(nil, fixedNow)
	ev := c.Feedback(Ref{RequestID: reqID, Requester: requester}, Feedback{
		Status:      StatusPaymentRequired,
		AmountMsats: 3000,
		Invoice:     "lnbc30n1x",
	})
	assert.Equal(t, KindFeedback, ev.Kind)
	assert.Equal(t, event.Tags{
		{"e", reqID},
		{"p", requester},
		{"status", "payment-required"},
		{"amount", "3000", "lnbc30n1x"},
	}, ev.Tags)
	assert.Empty(t, ev.Content)
	assert.EqualValues(t, 1700000000, ev.CreatedAt)
}

func TestFeedbackBody(t *testing.T) {
	c := NewCodec(nil, fixedNow)
	ref := Ref{RequestID: reqID, Requester: requester}

	short := c.Feedback(ref, Feedback{Status: StatusError, Detail: "payment timed out"})
	assert.Equal(t, event.Tag{"status", "error", "payment timed out"}, short.Tags[2])
	assert.Empty(t, short.Content)
	assert.Len(t, short.Tags, 3, "no amount tag without amount")

	long := strings.Repeat("x", LongDetailThreshold+1)
	ev := c.Feedback(ref, Feedback{Status: StatusError, Detail: long})
	assert.Equal(t, long, ev.Content)
	require.Len(t, ev.Tags[2], 3, "the status tag keeps a truncated detail")
	assert.LessOrEqual(t, len(ev.Tags[2].At(2)), LongDetailThreshold)
	assert.True(t, strings.HasPrefix(long, strings.TrimSuffix(ev.Tags[2].At(2), "…")))
	assert.True(t, strings.HasSuffix(ev.Tags[2].At(2), "…"))

	parsed, ok := ParseFeedback(ev)
	require.True(t, ok)
	assert.Equal(t, long, parsed.Detail, "readers get the full body")

	wide := strings.Repeat("é", LongDetailThreshold)
	ev = c.Feedback(ref, Feedback{Status: StatusError, Detail: wide})
	assert.True(t, utf8.ValidString(ev.Tags[2].At(2)))

	partial := c.Feedback(ref, Feedback{Status: StatusPartial, Detail: "half done"})
	assert.Equal(t, "half done", partial.Content)
}

func TestFeedbackWithMalformedRefIsLoggedAndBuilt(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	c := NewCodec(zap.New(core), fixedNow)

	ev := c.Feedback(Ref{RequestID: "short", Requester: requester}, Feedback{Status: StatusError, Detail: "bad"})
	require.NotNil(t, ev)
	assert.Equal(t, "short", ev.Tags[0].Value())
	assert.Equal(t, 1, logs.FilterMessage("malformed request id on outbound event").Len())
}

func TestResultTags(t *testing.T) {
	c := NewCodec(nil, fixedNow)
	req := Request{
		ID: reqID, Requester: requester, Kind: 5050,
		Inputs: []Input{{Value: "Translate: hello", Type: InputText}},
	}

	ev := c.Result(req, Result{Content: "bonjour", AmountMsats: 3000, Invoice: "lnbc"})
	assert.Equal(t, 6050, ev.Kind)
	assert.Equal(t, event.Tags{
		{"e", reqID},
		{"p", requester},
		{"amount", "3000", "lnbc"},
		{"i", "Translate: hello", "text"},
	}, ev.Tags)

	enc := c.Result(req, Result{Content: "cipher", AmountMsats: 3000, Invoice: "lnbc", Encrypted: true})
	assert.True(t, enc.Tags.Has("encrypted"))
	assert.False(t, enc.Tags.Has("i"), "encrypted results do not leak inputs")
}

func requestEvent(tags event.Tags, content string) *event.Event {
	return &event.Event{ID: reqID, PubKey: requester, Kind: 5050, Tags: tags, Content: content}
}

func TestParseRequest(t *testing.T) {
	ev := requestEvent(event.Tags{
		{"i", "Translate: hello", "text"},
		{"i", "https://example.com", "url", "", "context"},
		{"param", "model", "llama3.2"},
		{"param", "temperature", "0.5"},
		{"output", "text/plain"},
		{"bid", "5000"},
		{"p", strings.Repeat("c", 64)},
		{"relays", "wss://relay.example"},
	}, "")

	req, err := ParseRequest(ev, nil)
	require.NoError(t, err)
	assert.Equal(t, "Translate: hello", req.Prompt())
	assert.Len(t, req.Inputs, 2)
	assert.Equal(t, "context", req.Inputs[1].Marker)
	assert.Equal(t, "llama3.2", req.Params["model"])
	assert.Equal(t, "text/plain", req.Output)
	assert.EqualValues(t, 5000, req.BidMsats)
	assert.Equal(t, []string{strings.Repeat("c", 64)}, req.Providers)
	assert.False(t, req.Encrypted)
}

func TestParseRequestRejects(t *testing.T) {
	cases := map[string]struct {
		tags event.Tags
		want error
	}{
		"no inputs":     {tags: event.Tags{{"param", "model", "x"}}, want: ErrNoInputs},
		"no text input": {tags: event.Tags{{"i", "https://x", "url"}}, want: ErrNoTextInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(requestEvent(tc.tags, ""), nil)
			var rErr *RequestError
			require.ErrorAs(t, err, &rErr)
			assert.Equal(t, reqID, rErr.RequestID)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := ParseRequest(requestEvent(event.Tags{{"i", "hello"}}, ""), nil)
	assert.ErrorContains(t, err, "malformed input tag")
}

func TestParseEncryptedRequest(t *testing.T) {
	inner, _ := json.Marshal([][]string{{"i", "secret prompt", "text"}, {"param", "model", "m"}})
	ev := requestEvent(event.Tags{{"p", strings.Repeat("c", 64)}, {"encrypted"}}, "ciphertext")

	req, err := ParseRequest(ev, func(ct string) (string, error) {
		require.Equal(t, "ciphertext", ct)
		return string(inner), nil
	})
	require.NoError(t, err)
	assert.True(t, req.Encrypted)
	assert.Equal(t, "secret prompt", req.Prompt())
	assert.Equal(t, "m", req.Params["model"])

	_, err = ParseRequest(ev, func(string) (string, error) { return "", errors.New("bad key") })
	assert.ErrorContains(t, err, "decrypt request")
}

func TestParseFeedbackAndResultRoundTrip(t *testing.T) {
	c := NewCodec(nil, fixedNow)
	ref := Ref{RequestID: reqID, Requester: requester}

	fb, ok := ParseFeedback(c.Feedback(ref, Feedback{Status: StatusSuccess, AmountMsats: 3000, Invoice: "ln"}))
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, fb.Status)
	assert.EqualValues(t, 3000, fb.AmountMsats)
	assert.Equal(t, ref, fb.Ref)

	req := Request{ID: reqID, Requester: requester, Kind: 5050, Inputs: []Input{{Value: "p", Type: InputText}}}
	res, ok := ParseResult(c.Result(req, Result{Content: "out", AmountMsats: 3000, Invoice: "ln"}))
	require.True(t, ok)
	assert.Equal(t, "out", res.Content)
	assert.Equal(t, 6050, res.Kind)
}

func TestStatusVocabulary(t *testing.T) {
	for _, s := range []Status{StatusPaymentRequired, StatusProcessing, StatusSuccess, StatusError, StatusPartial} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("done")
	assert.Error(t, err)
	assert.True(t, StatusSuccess.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}
