package crawler

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialBackoff produces jittered exponential delays between retry
// attempts. One curve serves both 429 and generic transient failures;
// a 429 additionally waits a full politeness delay before the retry
// because the server explicitly asked us to slow down.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff builds the policy with its defaults: 250ms base,
// doubling per attempt, capped at 5s, 50% jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		baseDelay: 250 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// Delay returns the wait duration before attempt (zero-based).
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// pause blocks for delay or until the context finishes.
func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
