package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualNeverRunsBackwards(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Set(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, start.Add(time.Minute+time.Second), c.Now())
}

func TestWallIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Wall().Now().Location())
}
