package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())
	// Frozen until advanced.
	assert.Equal(t, start, c.Now())

	c.Advance(150 * time.Millisecond)
	assert.Equal(t, start.Add(150*time.Millisecond), c.Now())

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}
