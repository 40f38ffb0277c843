package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayGrowsAndCaps(t *testing.T) {
	p := New(10*time.Millisecond, 100*time.Millisecond, 0)

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d, halt := p.NextDelay(attempt, errors.New("boom"))
		assert.False(t, halt)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		if attempt > 2 {
			// once past the initial ramp, jitter never drives a delay
			// below zero.
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
		prev = d
	}
	_ = prev
}

func TestNextDelayHaltsAfterMaxAttempts(t *testing.T) {
	p := New(5*time.Millisecond, 50*time.Millisecond, 3)

	for attempt := 0; attempt < 3; attempt++ {
		_, halt := p.NextDelay(attempt, errors.New("boom"))
		assert.False(t, halt)
	}
	_, halt := p.NextDelay(3, errors.New("boom"))
	assert.True(t, halt)
}

func TestNextDelayResetsOnZero(t *testing.T) {
	p := New(5*time.Millisecond, 500*time.Millisecond, 0)

	for attempt := 0; attempt < 5; attempt++ {
		_, halt := p.NextDelay(attempt, errors.New("boom"))
		assert.False(t, halt)
	}

	d, halt := p.NextDelay(0, nil)
	assert.False(t, halt)
	assert.LessOrEqual(t, d, 10*time.Millisecond)
}
