package reliability

import "context"

// Guard applies limiter, breaker and retry policy, in that order, to each attempt.
// Nil components are skipped.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// Do runs fn under the guard.
func (g Guard) Do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.Breaker != nil {
			return g.Breaker.Execute(fn)
		}
		return fn()
	}
	return g.Retry.Do(ctx, attempt)
}
