package detector

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Gateway wraps a backend with a request pace cap, bounded retry and
// exponential backoff. It satisfies Backend itself, so callers stay
// polymorphic over which backend is active.
type Gateway struct {
	backend  Backend
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

func NewGateway(backend Backend, requestsPerSecond float64, attempts int, backoff time.Duration) *Gateway {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Gateway{
		backend:  backend,
		limiter:  limiter,
		attempts: attempts,
		backoff:  backoff,
	}
}

func (g *Gateway) Name() string { return g.backend.Name() }

// Detect forwards to the wrapped backend, retrying unavailable/timeout
// failures up to the attempt budget. Other errors return immediately; a
// bad request does not get cheaper by repeating it.
func (g *Gateway) Detect(ctx context.Context, req Request) ([]RawFinding, error) {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			delay := g.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		findings, err := g.backend.Detect(ctx, req)
		if err == nil {
			return findings, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retriable(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("Detect: %s attempt %d/%d failed: %v", g.backend.Name(), attempt+1, g.attempts, err)
	}
	return nil, lastErr
}
