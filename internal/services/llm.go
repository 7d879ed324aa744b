package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

// LLMModel is the subset of the language-model interface the extractor
// needs. Satisfied by langchaingo model implementations and by test stubs.
type LLMModel interface {
	Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error)
}

// LLMClient extracts tracklists from text the structural extractors could
// not handle. It is the last and most expensive fallback, so every call is
// breaker-guarded and the raw completions are cached.
type LLMClient struct {
	model    LLMModel
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	cache    *ResponseCache
	cacheTTL time.Duration
}

// NewLLMClient builds the client against an OpenAI-compatible endpoint.
func NewLLMClient(cfg shared.LLMConfig, cache *ResponseCache, registry *metrics.Registry) (*LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: llm api key", shared.ErrMissingCredentials)
	}

	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: llm client: %v", shared.ErrUpstreamAPI, err)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &LLMClient{
		model:    model,
		timeout:  timeout,
		breaker:  newBreaker(SourceLLM, registry),
		cache:    cache,
		cacheTTL: 30 * 24 * time.Hour,
	}, nil
}

// NewLLMClientWithModel wires an existing model, used by tests.
func NewLLMClientWithModel(model LLMModel, registry *metrics.Registry) *LLMClient {
	return &LLMClient{
		model:   model,
		timeout: 10 * time.Second,
		breaker: newBreaker(SourceLLM, registry),
	}
}

const extractPrompt = `You are given text scraped from a DJ-set tracklist page.
Extract the track citations in play order. Respond with a JSON array only,
one string per citation, preserving the original "Artist - Title (Remix)"
wording. Skip timestamps, chatter, and navigation text. If the page contains
no tracklist, respond with [].

TEXT:
%s`

// ExtractCitations pulls ordered track-citation strings out of free text.
// Returns ErrExtractionFailure when the completion is not parseable.
func (c *LLMClient) ExtractCitations(ctx context.Context, text string) ([]string, error) {
	prompt := fmt.Sprintf(extractPrompt, clampText(text, 24000))

	if data, ok := c.cache.Get(ctx, SourceLLM, prompt); ok {
		var cached []string
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	completion, err := execute(ctx, c.breaker, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.model.Call(ctx, prompt, llms.WithTemperature(0))
		if err != nil {
			return "", fmt.Errorf("%w: llm call: %v", shared.ErrUpstreamAPI, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	citations, err := parseCitationJSON(completion)
	if err != nil {
		return nil, err
	}

	if encoded, merr := json.Marshal(citations); merr == nil {
		c.cache.Set(ctx, SourceLLM, prompt, encoded, c.cacheTTL)
	}
	return citations, nil
}

// parseCitationJSON tolerates completions that wrap the array in markdown
// fences or prose.
func parseCitationJSON(completion string) ([]string, error) {
	start := strings.Index(completion, "[")
	end := strings.LastIndex(completion, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in completion", shared.ErrExtractionFailure)
	}

	var citations []string
	if err := json.Unmarshal([]byte(completion[start:end+1]), &citations); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", shared.ErrExtractionFailure, err)
	}

	cleaned := citations[:0]
	for _, c := range citations {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	return cleaned, nil
}

func clampText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
