// Package resilience wraps calls to external services (embedding API, LLM, database)
// in bounded retries and a per-operation circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/models"
)

// Policy tunes retries and breaking.
type Policy struct {
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	BreakerEnabled   bool
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// PolicyFromConfig maps the resilience config section onto a Policy.
func PolicyFromConfig(cfg config.ResilienceConfig) Policy {
	return Policy{
		MaxAttempts:      cfg.MaxRetries + 1,
		BaseBackoff:      cfg.RetryBaseDelay,
		MaxBackoff:       8 * cfg.RetryBaseDelay,
		BreakerEnabled:   cfg.BreakerThreshold > 0,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerTimeout <= 0 {
		p.BreakerTimeout = 30 * time.Second
	}
	return p
}

// Classifier decides whether an error is worth retrying and whether it counts against the breaker.
type Classifier func(err error) (retryable, recordFailure bool)

// DefaultClassifier retries transient failures. Caller mistakes and cancellations are
// neither retried nor counted against the breaker.
func DefaultClassifier(err error) (bool, bool) {
	switch {
	case errors.Is(err, models.ErrInvalidParameter), errors.Is(err, context.Canceled):
		return false, false
	case errors.Is(err, context.DeadlineExceeded):
		return false, true
	default:
		return true, true
	}
}

// Executor runs operations under a Policy. Safe for concurrent use.
type Executor struct {
	policy   Policy
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for retry and breaker events.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(p Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   p.normalize(),
		logger:   zap.NewNop(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn under the breaker for operation, retrying per classify.
// A nil classify uses DefaultClassifier.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error, classify Classifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: nil operation %q", operation)
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	if !e.policy.BreakerEnabled {
		return e.retry(ctx, operation, fn, classify)
	}
	_, err := e.breaker(operation, classify).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, operation, fn, classify)
	})
	return err
}

func (e *Executor) retry(ctx context.Context, operation string, fn func(context.Context) error, classify Classifier) error {
	backoff := e.policy.BaseBackoff
	var err error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable, _ := classify(err); !retryable || attempt == e.policy.MaxAttempts {
			return err
		}
		e.logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		backoff = min(backoff*2, e.policy.MaxBackoff)
	}
	return err
}

func (e *Executor) breaker(operation string, classify Classifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[operation]; ok {
		return b
	}
	threshold := e.policy.BreakerThreshold
	b := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        operation,
		MaxRequests: 1,
		Timeout:     e.policy.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			_, record := classify(err)
			return !record
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	e.breakers[operation] = b
	return b
}

// IsCircuitOpen reports whether err came from a rejecting breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
