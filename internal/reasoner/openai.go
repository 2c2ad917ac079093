package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dusk-indust/insight/internal/a2a"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var _ orchestrator.Reasoner = (*OpenAIReasoner)(nil)

const maxErrorBody = 2048

// OpenAIReasoner calls an OpenAI-compatible /v1/chat/completions endpoint
// and asks for a JSON object answer.
type OpenAIReasoner struct {
	baseURL     string
	model       string
	apiKey      string
	temperature float64
	http        *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

// OpenAIOption configures an OpenAIReasoner.
type OpenAIOption func(*OpenAIReasoner)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) OpenAIOption {
	return func(r *OpenAIReasoner) { r.apiKey = key }
}

// WithRequestTimeout sets the HTTP client timeout.
func WithRequestTimeout(d time.Duration) OpenAIOption {
	return func(r *OpenAIReasoner) { r.http.Timeout = d }
}

// WithOpenAIHTTPClient replaces the HTTP client.
func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(r *OpenAIReasoner) {
		if hc != nil {
			r.http = hc
		}
	}
}

// WithTemperature sets the sampling temperature. Zero leaves it to the
// provider.
func WithTemperature(t float64) OpenAIOption {
	return func(r *OpenAIReasoner) { r.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OpenAIOption {
	return func(r *OpenAIReasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewOpenAI returns a reasoner for the provider at baseURL, e.g.
// https://api.openai.com.
func NewOpenAI(baseURL, model string, opts ...OpenAIOption) *OpenAIReasoner {
	r := &OpenAIReasoner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  zap.L(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Reason sends the stage prompt as the system message and the assembled
// input payload as the user message.
func (r *OpenAIReasoner) Reason(ctx context.Context, p orchestrator.Prompt) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: string(p.Payload)},
		},
		Temperature:    r.temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", eris.Wrap(err, "reasoner: marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &orchestrator.ExecutionError{Kind: orchestrator.KindConfig, Err: eris.Wrap(err, "reasoner: build request")}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	start := r.now()
	resp, err := r.http.Do(req)
	if err != nil {
		return "", classifyTransport(eris.Wrap(err, "reasoner: chat completions"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("reasoner: chat completions: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		retryAfter := a2a.ParseRetryAfter(resp.Header.Get("Retry-After"), r.now())
		return "", classifyStatus(err, resp.StatusCode, retryAfter)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", orchestrator.TransientError(eris.Wrap(err, "reasoner: decode chat response"))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", orchestrator.MalformedError(eris.New("reasoner: empty completion"))
	}

	r.logger.Debug("chat completion",
		zap.String("model", r.model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.String("finish_reason", out.Choices[0].FinishReason),
		zap.Int64("duration_ms", r.now().Sub(start).Milliseconds()),
	)
	return out.Choices[0].Message.Content, nil
}
