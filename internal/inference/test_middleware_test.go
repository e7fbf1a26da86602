package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	errs  []error
	calls int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) GenerateText(ctx context.Context, req Request) (Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	return Response{Text: "ok:" + req.Prompt}, nil
}

func TestRetry_RecoversFromTransientError(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("503")}}
	p := Wrap(inner, Retry(3, time.Millisecond))

	resp, err := p.GenerateText(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", resp.Text)
	assert.Equal(t, 2, inner.calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	inner := &scriptedProvider{errs: []error{NewPermanentError(errors.New("bad model")), nil}}
	p := Wrap(inner, Retry(3, time.Millisecond))

	_, err := p.GenerateText(context.Background(), Request{Prompt: "hi"})
	var pErr *PermanentError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 1, inner.calls)
}

func TestRateLimit_SpacesCalls(t *testing.T) {
	p := Wrap(&scriptedProvider{}, RateLimit(2, 1))

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := p.GenerateText(context.Background(), Request{Prompt: "p"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
}

func TestRateLimit_GivesUpWhenContextEnds(t *testing.T) {
	inner := &scriptedProvider{}
	p := Wrap(inner, RateLimit(0.01, 1))

	_, err := p.GenerateText(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.GenerateText(ctx, Request{Prompt: "p"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, inner.calls)
}

func TestOllama_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Model == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		assert.False(t, in.Stream)
		require.NotNil(t, in.Options)
		assert.Equal(t, 64, in.Options.NumPredict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response":          "bonjour",
			"prompt_eval_count": 5,
			"eval_count":        2,
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "llama3.2")
	resp, err := o.GenerateText(context.Background(), Request{Prompt: "Translate: hello", MaxTokens: 64, Temperature: ptr(0.2)})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Text)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 2, resp.OutputTokens)

	_, err = o.GenerateText(context.Background(), Request{Prompt: "x", Model: "missing", MaxTokens: 64})
	var pErr *PermanentError
	assert.ErrorAs(t, err, &pErr)
}
