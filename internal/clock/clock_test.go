package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := System{}.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinRange(t, got, before, time.Now().UTC().Add(time.Second))
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())
	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
}
