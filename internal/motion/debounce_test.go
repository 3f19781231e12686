package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncedInput_AcceptsAfterInterval(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDebouncedInput(2*time.Millisecond, false)

	assert.False(t, d.Sample(true, t0))
	assert.False(t, d.Sample(true, t0.Add(time.Millisecond)))
	assert.True(t, d.Sample(true, t0.Add(2*time.Millisecond)))

	assert.True(t, d.Sample(true, t0.Add(3*time.Millisecond)))
}

func TestDebouncedInput_IgnoresBounce(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDebouncedInput(10*time.Millisecond, false)

	// contact chatter shorter than the interval never shows through
	for i := 0; i < 20; i++ {
		raw := i%2 == 0
		assert.False(t, d.Sample(raw, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.False(t, d.Value())
}

func TestDebouncedInput_Fall(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDebouncedInput(2*time.Millisecond, true)

	d.Sample(false, t0)
	assert.True(t, d.Value())
	assert.False(t, d.Sample(false, t0.Add(2*time.Millisecond)))
}

func TestDebouncedInput_ZeroInterval(t *testing.T) {
	d := NewDebouncedInput(0, false)
	assert.True(t, d.Sample(true, time.Unix(0, 0)))
	assert.False(t, d.Sample(false, time.Unix(0, 1)))
}
