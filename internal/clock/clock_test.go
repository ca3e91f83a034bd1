package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 59, 30, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())
	next := c.Advance(45 * time.Second)
	assert.Equal(t, start.Add(45*time.Second), next)
	assert.False(t, SameDay(start, next, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartOfDay(next, time.UTC))
}
