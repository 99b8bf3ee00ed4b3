package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"finrag/internal/domain"
	"finrag/internal/metrics"
	"finrag/internal/port"
)

// CallOptions govern every call made through a wrapped capability.
type CallOptions struct {
	Policy  Policy
	Timeout time.Duration
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// NewLimiter returns a token bucket allowing perMinute calls, or nil when unlimited.
func NewLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

// call runs fn under the rate limit, a per-attempt timeout and the retry policy.
// Exhausted or permanent failures wrap domain.ErrServiceUnavailable.
func call(ctx context.Context, service string, o CallOptions, fn func(ctx context.Context) error) error {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	attempt := 0
	err := Do(ctx, o.Policy, func(ctx context.Context) error {
		attempt++
		if o.Limiter != nil {
			if err := o.Limiter.Wait(ctx); err != nil {
				return Permanent(err)
			}
		}
		cctx := ctx
		if o.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, o.Timeout)
			defer cancel()
		}

		err := fn(cctx)
		switch {
		case err == nil:
			metrics.ExternalCalls.WithLabelValues(service, "success").Inc()
		case Retryable(err) && ctx.Err() == nil:
			metrics.ExternalCalls.WithLabelValues(service, "retry").Inc()
			logger.Warn("external call failed",
				zap.String("service", service),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		default:
			metrics.ExternalCalls.WithLabelValues(service, "error").Inc()
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%s: %w: %w", service, domain.ErrServiceUnavailable, err)
}

// Embedder adds resilience to a port.Embedder.
type Embedder struct {
	inner port.Embedder
	opts  CallOptions
}

func WrapEmbedder(inner port.Embedder, opts CallOptions) *Embedder {
	return &Embedder{inner: inner, opts: opts}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := call(ctx, "embed", e.opts, func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, texts)
		return err
	})
	return out, err
}

func (e *Embedder) Dimension() int  { return e.inner.Dimension() }
func (e *Embedder) Version() string { return e.inner.Version() }

// Scorer adds resilience to a port.RelevanceScorer.
type Scorer struct {
	inner port.RelevanceScorer
	opts  CallOptions
}

func WrapScorer(inner port.RelevanceScorer, opts CallOptions) *Scorer {
	return &Scorer{inner: inner, opts: opts}
}

func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	var out []float64
	err := call(ctx, "rerank", s.opts, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Score(ctx, query, passages)
		if err == nil && len(out) != len(passages) {
			err = Permanent(fmt.Errorf("scorer returned %d scores for %d passages", len(out), len(passages)))
		}
		return err
	})
	return out, err
}

func (s *Scorer) ModelName() string { return s.inner.ModelName() }

// Generator adds resilience to a port.Generator.
type Generator struct {
	inner port.Generator
	opts  CallOptions
}

func WrapGenerator(inner port.Generator, opts CallOptions) *Generator {
	return &Generator{inner: inner, opts: opts}
}

func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	var out string
	err := call(ctx, "generate", g.opts, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Generate(ctx, system, prompt)
		return err
	})
	return out, err
}

func (g *Generator) ModelName() string { return g.inner.ModelName() }
