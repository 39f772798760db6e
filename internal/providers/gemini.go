package providers

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"merlin/internal/config"
	"merlin/internal/logging"
)

// GeminiProvider wraps google.golang.org/genai as a Mid/Premium tier
// provider. One instance is created per configured provider entry.
type GeminiProvider struct {
	id     string
	client *genai.Client
	model  string
	tier   Tier
}

// NewGeminiProvider creates a provider backed by the Gemini API.
func NewGeminiProvider(id string, cfg config.ProviderConfig, tier Tier) (*GeminiProvider, error) {
	timer := logging.StartTimer(logging.CategoryProvider, "NewGeminiProvider:"+id)
	defer timer.Stop()

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", id)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to create genai client: %w", id, err)
	}

	logging.ProviderDebug("provider %s: genai client ready (model=%s, tier=%s)", id, model, tier)

	return &GeminiProvider{id: id, client: client, model: model, tier: tier}, nil
}

func (p *GeminiProvider) Name() string { return p.id }

func (p *GeminiProvider) Tier() Tier { return p.tier }

// IsAvailable reports whether the provider is configured; it does not make
// a network call, since availability is re-checked on every Generate call
// via the error returned from the API.
func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	return p.client != nil
}

// Generate issues a single-turn (or history-augmented) completion request.
func (p *GeminiProvider) Generate(ctx context.Context, reqCtx Context) (Response, error) {
	start := time.Now()
	logging.ProviderDebug("provider %s: generate starting (query_len=%d)", p.id, len(reqCtx.Query))

	contents := make([]*genai.Content, 0, len(reqCtx.History)+1)
	for _, msg := range reqCtx.History {
		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(reqCtx.Query, genai.RoleUser))

	var genConfig *genai.GenerateContentConfig
	if reqCtx.SystemPrompt != "" {
		genConfig = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(reqCtx.SystemPrompt, genai.RoleUser),
		}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	latency := time.Since(start)
	if err != nil {
		logging.ProviderError("provider %s: generate failed after %v: %v", p.id, latency, err)
		return Response{}, fmt.Errorf("provider %s: generate failed: %w", p.id, err)
	}

	text := result.Text()
	usage := TokenUsage{}
	if result.UsageMetadata != nil {
		usage.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	logging.Provider("provider %s: generate completed in %v (prompt_tokens=%d, completion_tokens=%d)",
		p.id, latency, usage.PromptTokens, usage.CompletionTokens)

	return Response{
		Text:       text,
		TokenUsage: usage,
		LatencyMs:  latency.Milliseconds(),
		Model:      p.model,
	}, nil
}

// EstimateCost gives a rough per-call cost estimate scaled by prompt size;
// actual provider billing is out of scope, this only needs to be monotonic
// in input size so the router can compare alternatives.
func (p *GeminiProvider) EstimateCost(reqCtx Context) float64 {
	const costPerKChar = 0.002
	return float64(len(reqCtx.Query)) / 1000.0 * costPerKChar
}
