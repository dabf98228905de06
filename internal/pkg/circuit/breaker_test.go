package circuit

import (
	"testing"
	"time"

	"tradecore/internal/pkg/clock"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndHalfOpens(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker("venue", 3, 10*time.Second).WithClock(clk)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.True(t, cb.Allow())
	}
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clk.Advance(10 * time.Second)
	assert.True(t, cb.Allow(), "first trial after cooldown")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one trial in flight")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	clk.Advance(11 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("venue", 2, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}
