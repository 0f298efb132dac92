package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/resilience"
	"github.com/sells-group/paperbase/pkg/anthropic"
)

// RefusalError marks an explicit model refusal, as opposed to a transport
// or server failure. Refusals skip straight to the next fallback model.
type RefusalError struct {
	Model string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("model %s refused the request", e.Model)
}

// IsRefusal reports whether the error chain contains a model refusal.
func IsRefusal(err error) bool {
	var re *RefusalError
	return errors.As(err, &re)
}

// llmCaller issues completion requests with a shared rate limit, per-call
// retry, a circuit breaker per model, and a declared fallback model order.
// Separate breakers keep an outage of the primary model from blocking the
// fallbacks.
type llmCaller struct {
	client   anthropic.Client
	cfg      config.AnthropicConfig
	limiter  *rate.Limiter
	breakers *resilience.ServiceBreakers
}

func newLLMCaller(client anthropic.Client, cfg config.AnthropicConfig) *llmCaller {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2.0
	}
	return &llmCaller{
		client:   client,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
}

// models returns the primary model followed by the fallbacks in declared order.
func (c *llmCaller) models() []string {
	out := []string{c.cfg.Model}
	out = append(out, c.cfg.FallbackModels...)
	return out
}

// complete sends one system+user exchange and returns the response text.
// Each model in the fallback order gets retried transient attempts; a
// refusal is logged distinctly and moves on to the next model immediately.
func (c *llmCaller) complete(ctx context.Context, stage, system, user string) (string, error) {
	maxTokens := int64(c.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	var lastErr error
	for _, model := range c.models() {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "pipeline: rate limit wait")
		}

		breaker := c.breakers.Get(model)
		resp, err := resilience.DoVal(ctx, retryConfig(stage), func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return c.client.CreateMessage(ctx, anthropic.MessageRequest{
					Model:     model,
					MaxTokens: maxTokens,
					System:    anthropic.BuildCachedSystemBlocks(system),
					Messages: []anthropic.Message{
						{Role: "user", Content: user},
					},
				})
			})
		})
		if err != nil {
			lastErr = err
			failures, state := breaker.Counters()
			zap.L().Warn("pipeline: model call failed, trying next fallback",
				zap.String("stage", stage),
				zap.String("model", model),
				zap.Int("consecutive_failures", failures),
				zap.Stringer("breaker_state", state),
				zap.Error(err))
			continue
		}

		if resp.StopReason == "refusal" {
			lastErr = &RefusalError{Model: model}
			zap.L().Warn("pipeline: model refused",
				zap.String("stage", stage),
				zap.String("model", model))
			continue
		}

		resp.Usage.LogCost(model, stage)
		return resp.Text(), nil
	}

	zap.L().Error("pipeline: all models exhausted",
		zap.String("stage", stage),
		zap.Any("breakers", c.breakers.States()))
	return "", eris.Wrapf(lastErr, "pipeline: all models failed for %s stage", stage)
}

func retryConfig(stage string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("anthropic", stage)
	return cfg
}

// cleanJSON extracts a JSON value from text that may contain markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// A record list arrives as an array, everything else as an object.
	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if end := strings.LastIndex(text, "]"); end > arrStart {
			return strings.TrimSpace(text[arrStart : end+1])
		}
	}
	if objStart >= 0 {
		if end := strings.LastIndex(text, "}"); end > objStart {
			return strings.TrimSpace(text[objStart : end+1])
		}
	}

	return strings.TrimSpace(text)
}
