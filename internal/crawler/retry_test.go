package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := NewExponentialBackoff()

	// Jitter keeps each delay within [base/2, base] of the raw curve.
	for attempt, raw := range []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	} {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, raw/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, raw, "attempt %d", attempt)
	}

	// Far beyond the curve the cap holds.
	assert.LessOrEqual(t, p.Delay(20), 5*time.Second)
}

func TestPauseReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	pause(ctx, time.Minute)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPauseZeroDelay(t *testing.T) {
	start := time.Now()
	pause(context.Background(), 0)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
