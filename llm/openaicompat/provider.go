// Package openaicompat implements llm.Provider against any OpenAI-compatible
// chat completions endpoint (vLLM, DashScope, llama.cpp server, etc.).
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/types"
)

// MetricsRecorder receives per-request instrumentation. The prometheus
// collector in internal/metrics satisfies it; a nil recorder disables
// recording.
type MetricsRecorder interface {
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// Provider talks OpenAI wire format over HTTP.
type Provider struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
	rec     MetricsRecorder
	logger  *zap.Logger
}

// New creates a provider. When cfg.TokensPerSecond > 0, requests are
// throttled client-side before hitting the backend.
func New(cfg config.LLMConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000/v1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.TokensPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), 1)
	}

	return &Provider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "llm")),
	}
}

func (p *Provider) Name() string { return "openai-compat" }

// WithMetrics attaches a request-instrumentation recorder.
func (p *Provider) WithMetrics(rec MetricsRecorder) *Provider {
	p.rec = rec
	return p
}

func (p *Provider) observe(model, status string, start time.Time, usage *wireUsage) {
	if p.rec == nil {
		return
	}
	var prompt, completion int
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}
	p.rec.RecordLLMRequest(p.Name(), model, status, time.Since(start), prompt, completion)
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      wireMessage  `json:"message"`
	Delta        *wireMessage `json:"delta,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
	Created int64        `json:"created,omitempty"`
}

type wireErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func convertMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func mapError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			return types.NewError(types.ErrQuotaExceeded, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		if strings.Contains(lower, "context length") || strings.Contains(lower, "maximum context") {
			return types.NewError(types.ErrContextTooLong, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case 529:
		return types.NewError(types.ErrModelOverloaded, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}

func (p *Provider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, types.NewError(types.ErrUpstreamTimeout, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	body := wireRequest{
		Model:       chooseModel(req.Model, p.cfg.Model),
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	payload, _ := json.Marshal(body)

	start := time.Now()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.observe(body.Model, "error", start, nil)
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.observe(body.Model, "error", start, nil)
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		p.observe(body.Model, "error", start, nil)
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	p.observe(body.Model, "success", start, wr.Usage)
	return toChatResponse(wr, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := p.wait(ctx); err != nil {
		return nil, types.NewError(types.ErrUpstreamTimeout, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	body := wireRequest{
		Model:       chooseModel(req.Model, p.cfg.Model),
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      true,
	}
	payload, _ := json.Marshal(body)

	start := time.Now()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.observe(body.Model, "error", start, nil)
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		p.observe(body.Model, "error", start, nil)
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		status := "success"
		var usage *wireUsage
		defer func() { p.observe(body.Model, status, start, usage) }()
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					status = "error"
					p.emit(ctx, ch, llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, err.Error()).
						WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				status = "error"
				p.emit(ctx, ch, llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, err.Error()).
					WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())})
				return
			}
			if wr.Usage != nil {
				usage = wr.Usage
			}
			for _, choice := range wr.Choices {
				chunk := llm.StreamChunk{
					ID:           wr.ID,
					Provider:     p.Name(),
					Model:        wr.Model,
					Index:        choice.Index,
					Delta:        llm.Message{Role: types.RoleAssistant},
					FinishReason: choice.FinishReason,
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
				}
				if wr.Usage != nil {
					chunk.Usage = &llm.ChatUsage{
						PromptTokens:     wr.Usage.PromptTokens,
						CompletionTokens: wr.Usage.CompletionTokens,
						TotalTokens:      wr.Usage.TotalTokens,
					}
				}
				if !p.emit(ctx, ch, chunk) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// emit sends a chunk unless ctx is done, so an abandoned consumer cannot
// leak the goroutine.
func (p *Provider) emit(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.cfg.BaseURL, "/"))
}

func chooseModel(requested, configured string) string {
	if requested != "" {
		return requested
	}
	return configured
}

func toChatResponse(wr wireResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(wr.Choices))
	for _, c := range wr.Choices {
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: types.RoleAssistant, Content: c.Message.Content},
		})
	}
	resp := &llm.ChatResponse{
		ID:       wr.ID,
		Provider: provider,
		Model:    wr.Model,
		Choices:  choices,
	}
	if wr.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	if wr.Created != 0 {
		resp.CreatedAt = time.Unix(wr.Created, 0)
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp wireErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
