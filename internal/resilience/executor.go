package resilience

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// Executor wraps every outbound provider call with the per-configuration
// token bucket, the retry policy and the circuit breaker. Limiters and
// breakers are created lazily per configuration and never share state
// across configurations, so independent configurations proceed in parallel.
//
// Every attempt, retries included, lands as one audit entry; a breaker
// fast-fail lands as a zero-attempt entry so rejected calls stay visible.
type Executor struct {
	conf     *config.Config
	recorder audit.IRecorder

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	breakers map[int64]*gobreaker.CircuitBreaker
}

// NewExecutor creates an executor reading rate policies from conf and
// recording per-attempt outcomes through recorder.
func NewExecutor(conf *config.Config, recorder audit.IRecorder) *Executor {
	return &Executor{
		conf:     conf,
		recorder: recorder,
		limiters: make(map[int64]*rate.Limiter),
		breakers: make(map[int64]*gobreaker.CircuitBreaker),
	}
}

func (e *Executor) limiterFor(configID int64, policy config.RatePolicyConfig) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[configID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(policy.RatePerSecond), policy.Burst)
	e.limiters[configID] = l
	return l
}

func (e *Executor) breakerFor(cfg *model.Configuration, policy config.RatePolicyConfig) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[cfg.ID]; ok {
		return b
	}
	configID := strconv.FormatInt(cfg.ID, 10)
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s-%d", cfg.Provider, cfg.ID),
		MaxRequests: 1, // a single half-open probe decides close vs re-open
		Timeout:     policy.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observer.SetCircuitBreakerState(configID, breakerGauge(to))
			logger.Log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	e.breakers[cfg.ID] = b
	return b
}

// newRetryPolicy configures the exponential backoff between attempts.
// Jitter stays within half the computed interval.
func newRetryPolicy(policy config.RatePolicyConfig) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseBackoff
	bo.MaxInterval = policy.MaxBackoff
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0
	return bo
}

// Execute runs fn under cfg's rate limit, retry policy and circuit breaker.
// It returns the number of attempts made and the final error. A fast-failed
// call (breaker open) returns zero attempts and ErrCircuitOpen.
//
// Retries apply to transient, timeout and rate-limit errors only, up to the
// policy's MaxRetries; every attempt consumes a token from the bucket.
func (e *Executor) Execute(ctx context.Context, cfg *model.Configuration, operation string, fn func(context.Context) error) (int, error) {
	policy := e.conf.PolicyFor(cfg.Provider)
	limiter := e.limiterFor(cfg.ID, policy)
	breaker := e.breakerFor(cfg, policy)
	configID := strconv.FormatInt(cfg.ID, 10)
	log := logger.FromContext(ctx)

	attempts := 0
	_, err := breaker.Execute(func() (interface{}, error) {
		op := func() error {
			attempts++
			if attempts > 1 {
				observer.IncProviderRetry(cfg.Provider, operation)
			}

			waitStart := time.Now()
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				limited := fmt.Errorf("%w: token bucket wait: %v", apperrors.ErrRateLimited, waitErr)
				e.recordAttempt(ctx, cfg, operation, attempts, time.Since(waitStart), limited)
				return backoff.Permanent(limited)
			}
			observer.ObserveRateLimiterWait(configID, time.Since(waitStart))

			attemptCtx := ctx
			var cancel context.CancelFunc
			if policy.CallTimeout > 0 {
				if _, hasDeadline := ctx.Deadline(); !hasDeadline {
					attemptCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
				}
			}

			start := time.Now()
			callErr := fn(attemptCtx)
			if cancel != nil {
				cancel()
			}
			observer.IncProviderCall(cfg.Provider, operation, callErr)
			observer.ObserveProviderCallDuration(cfg.Provider, operation, time.Since(start), callErr)
			e.recordAttempt(ctx, cfg, operation, attempts, time.Since(start), callErr)

			if callErr == nil {
				return nil
			}
			if ctx.Err() != nil {
				// The caller's budget is gone; retrying would only burn tokens.
				return backoff.Permanent(callErr)
			}
			if !apperrors.IsRetryable(callErr) {
				return backoff.Permanent(callErr)
			}
			log.Warn("Provider call failed, will retry",
				zap.String("provider", cfg.Provider),
				zap.String("operation", operation),
				zap.Int("attempt", attempts),
				zap.Error(callErr),
			)
			return callErr
		}

		retryPolicy := backoff.WithContext(
			backoff.WithMaxRetries(newRetryPolicy(policy), uint64(policy.MaxRetries)), ctx)
		return nil, backoff.Retry(op, retryPolicy)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			openErr := fmt.Errorf("%w: retry after %s", apperrors.ErrCircuitOpen, policy.BreakerCooldown)
			// Zero attempts: the breaker rejected before fn ran. Still an
			// outcome the audit trail must carry.
			e.recordAttempt(ctx, cfg, operation, attempts, 0, openErr)
			return attempts, openErr
		}
		return attempts, err
	}
	return attempts, nil
}

// recordAttempt writes one audit entry for a single call attempt.
func (e *Executor) recordAttempt(ctx context.Context, cfg *model.Configuration, operation string, attempt int, elapsed time.Duration, callErr error) {
	if e.recorder == nil {
		return
	}
	entry := model.AuditLogEntry{
		Operation:       operation,
		Provider:        cfg.Provider,
		ConfigurationID: cfg.ID,
		Actor:           audit.ActorFromContext(ctx),
		Success:         callErr == nil,
		Attempt:         attempt,
		ResponseTimeMs:  float64(elapsed.Microseconds()) / 1000.0,
	}
	if callErr != nil {
		entry.ErrorCode = apperrors.CodeOf(callErr)
		entry.ErrorMessage = callErr.Error()
	}
	e.recorder.Record(ctx, entry)
}

// BreakerState returns the breaker state name for one configuration, or
// "closed" when the configuration has never been called.
func (e *Executor) BreakerState(configID int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[configID]; ok {
		return stateName(b.State())
	}
	return stateName(gobreaker.StateClosed)
}

// BreakerStates snapshots the breaker state of every configuration that has
// issued at least one call.
func (e *Executor) BreakerStates() map[int64]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make(map[int64]string, len(e.breakers))
	for id, b := range e.breakers {
		states[id] = stateName(b.State())
	}
	return states
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
