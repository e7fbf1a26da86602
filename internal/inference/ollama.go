package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama calls a local Ollama server's /api/generate endpoint.
type Ollama struct {
	BaseURL      string
	DefaultModel string
	HTTP         *http.Client
}

func NewOllama(baseURL, defaultModel string) *Ollama {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = "llama3.2"
	}
	return &Ollama{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		DefaultModel: defaultModel,
		HTTP:         &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *Ollama) Name() string { return "Ollama:" + o.DefaultModel }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (o *Ollama) GenerateText(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.DefaultModel
	}
	body := ollamaRequest{Model: model, Prompt: req.Prompt}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	data, _ := json.Marshal(body)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return Response{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTP.Do(hreq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Response{}, NewPermanentError(err)
		}
		return Response{}, err
	}

	var res ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(res.Response) == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Text:         res.Response,
		PromptTokens: res.PromptEvalCount,
		OutputTokens: res.EvalCount,
	}, nil
}
