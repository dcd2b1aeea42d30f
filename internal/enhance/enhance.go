// ABOUTME: Prompt enhancement middleware: rewrites prompts through an inference model per client rules.
// ABOUTME: Consults the prompt cache first and degrades to passthrough, never surfacing an error.

package enhance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/cache"
)

// modelLimits maps model names to their approximate context window in tokens.
var modelLimits = map[string]int{
	"llama3.2:3b":      128_000,
	"llama3":           8_000,
	"deepseek-r1:14b":  64_000,
	"deepseek-r1":      64_000,
	"qwen2.5-coder:7b": 128_000,
	"phi3:mini":        128_000,
	"nomic-embed-text": 8_000,
}

// defaultTokenLimit applies to models with no declared limit.
const defaultTokenLimit = 8_000

// Generator produces enhanced text from a prompt. Satisfied by inference.Client.
type Generator interface {
	Generate(ctx context.Context, model, system, prompt string) (string, error)
}

// Cache is the slice of the prompt cache the middleware needs.
// Satisfied by cache.PromptCache.
type Cache interface {
	Get(ctx context.Context, prompt string) (*cache.Entry, bool)
	Put(ctx context.Context, prompt, response, model string)
}

// Result is the outcome of one enhancement pass. Enhanced equals Original
// when the pass was skipped or every model failed.
type Result struct {
	Original string `json:"original"`
	Enhanced string `json:"enhanced"`
	Model    string `json:"model,omitempty"`
	Cached   bool   `json:"cached"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Config configures a Middleware.
type Config struct {
	Rules     *RuleSet
	Generator Generator
	Cache     Cache // nil disables caching
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Middleware applies per-client enhancement rules with a fallback chain.
type Middleware struct {
	rules     *RuleSet
	generator Generator
	cache     Cache
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an enhancement middleware.
func New(cfg Config) *Middleware {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Middleware{
		rules:     cfg.Rules,
		generator: cfg.Generator,
		cache:     cfg.Cache,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Enhance rewrites a prompt according to the client's rule. It never returns
// an error: any failure degrades to returning the original prompt.
func (m *Middleware) Enhance(ctx context.Context, client, prompt string) Result {
	rule := m.rules.RuleFor(client)

	if !rule.Enabled {
		return Result{Original: prompt, Enhanced: prompt, Skipped: true}
	}

	if m.cache != nil {
		if entry, ok := m.cache.Get(ctx, prompt); ok {
			return Result{Original: prompt, Enhanced: entry.Response, Model: entry.Model, Cached: true}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, model := range m.candidates(rule) {
		if model == nil {
			// Chain sentinel: give up and return the original prompt.
			m.logger.Debug("fallback chain sentinel reached, passing through")
			break
		}
		if !fitsContext(prompt, *model) {
			m.logger.Warn("prompt exceeds model context, trying next", "model", *model)
			continue
		}

		enhanced, err := m.generator.Generate(ctx, *model, rule.SystemPrompt, enhancementPrompt(prompt))
		if err != nil {
			m.logger.Warn("enhancement model failed, trying next", "model", *model, "error", err)
			continue
		}

		if m.cache != nil {
			m.cache.Put(ctx, prompt, enhanced, *model)
		}
		return Result{Original: prompt, Enhanced: enhanced, Model: *model}
	}

	m.logger.Warn("all enhancement models failed, passing through", "client", client)
	return Result{Original: prompt, Enhanced: prompt, Model: rule.Model}
}

// candidates returns the rule's model followed by the fallback chain, with
// duplicates of the primary removed. Nil sentinels are preserved.
func (m *Middleware) candidates(rule Rule) []*string {
	primary := rule.Model
	out := []*string{&primary}
	for _, model := range m.rules.FallbackChain {
		if model != nil && *model == primary {
			continue
		}
		out = append(out, model)
	}
	return out
}

// enhancementPrompt wraps the user prompt in the rewrite instruction.
func enhancementPrompt(prompt string) string {
	return "Enhance this prompt:\n\n" + prompt
}

// fitsContext estimates tokens at four characters each and rejects prompts
// past 90% of the model's declared window.
func fitsContext(prompt, model string) bool {
	limit, ok := modelLimits[model]
	if !ok {
		limit = defaultTokenLimit
	}
	estimated := len(strings.TrimSpace(prompt)) / 4
	return float64(estimated) < float64(limit)*0.9
}
