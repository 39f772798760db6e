package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"merlin/internal/config"
	"merlin/internal/logging"
)

// LocalProvider talks to an Ollama-compatible HTTP endpoint for the Local
// tier: cheap, fast, no external API key required.
type LocalProvider struct {
	id       string
	endpoint string
	model    string
	client   *http.Client
}

// NewLocalProvider creates a provider for a local model server.
func NewLocalProvider(id string, cfg config.ProviderConfig) (*LocalProvider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "qwen2.5-coder"
	}

	return &LocalProvider{
		id:       id,
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *LocalProvider) Name() string { return p.id }

func (p *LocalProvider) Tier() Tier { return TierLocal }

// IsAvailable pings the local server's version endpoint.
func (p *LocalProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type localGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type localGenerateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate calls the /api/generate endpoint with streaming disabled.
func (p *LocalProvider) Generate(ctx context.Context, reqCtx Context) (Response, error) {
	start := time.Now()
	logging.ProviderDebug("provider %s: generate starting (query_len=%d)", p.id, len(reqCtx.Query))

	body, err := json.Marshal(localGenerateRequest{
		Model:  p.model,
		Prompt: reqCtx.Query,
		System: reqCtx.SystemPrompt,
		Stream: false,
	})
	if err != nil {
		return Response{}, fmt.Errorf("provider %s: marshal request: %w", p.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("provider %s: build request: %w", p.id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		logging.ProviderError("provider %s: generate failed after %v: %v", p.id, latency, err)
		return Response{}, fmt.Errorf("provider %s: request failed: %w", p.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("provider %s: read response: %w", p.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("provider %s: status %d: %s", p.id, resp.StatusCode, string(data))
	}

	var parsed localGenerateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("provider %s: decode response: %w", p.id, err)
	}

	logging.Provider("provider %s: generate completed in %v (prompt_tokens=%d, completion_tokens=%d)",
		p.id, latency, parsed.PromptEvalCount, parsed.EvalCount)

	return Response{
		Text:      parsed.Response,
		TokenUsage: TokenUsage{PromptTokens: parsed.PromptEvalCount, CompletionTokens: parsed.EvalCount},
		LatencyMs: latency.Milliseconds(),
		Model:     p.model,
	}, nil
}

// EstimateCost is zero: local inference has no per-token billing.
func (p *LocalProvider) EstimateCost(reqCtx Context) float64 {
	return 0
}
