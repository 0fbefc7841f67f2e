package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
)

// RetryPolicy bounds how hard one task leans on the generation service.
// Only transient errors are retried.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     2 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor <= 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = d.RandomizationFactor
	}
	return p
}

func (p RetryPolicy) newBackOff() *hintedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.RandomizationFactor
	exp.Reset()
	return &hintedBackOff{exp: exp, max: p.MaxInterval}
}

// hintedBackOff waits at least as long as the service asked for, capped at max.
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.exp.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	if h.max > 0 && d > h.max {
		d = h.max
	}
	h.hint = 0
	return d
}

func (h *hintedBackOff) Reset() {
	h.exp.Reset()
	h.hint = 0
}

// generate calls the service under the retry policy and returns the last
// error once attempts run out.
func (c *Coordinator) generate(ctx context.Context, task Task) (generation.Result, error) {
	req := generation.Request{
		OutputID:      task.OutputID,
		ShotType:      task.ShotType,
		PoseTemplate:  task.PoseTemplate,
		ReferenceURLs: task.ReferenceURLs,
	}
	b := c.cfg.Retry.newBackOff()
	attempt := 0
	op := func() (generation.Result, error) {
		attempt++
		start := time.Now()
		res, err := c.deps.Generator.Generate(ctx, req)
		c.deps.Metrics.ObserveGeneration(task.ShotType, outcome(err), time.Since(start))
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || !jobs.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		if d, ok := jobs.RetryAfter(err); ok {
			b.hint = d
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.deps.Metrics.IncRetry(task.ShotType)
			c.log.Debug("generation retry",
				"output_id", task.OutputID,
				"shot_type", task.ShotType,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case jobs.IsTransient(err):
		return "transient"
	default:
		return "terminal"
	}
}
