package motion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitTimer_FiresOncePerArm(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var w WaitTimer

	assert.False(t, w.Poll(0, t0), "disarmed timer never fires")

	w.Arm(t0)
	assert.False(t, w.Poll(300*time.Millisecond, t0.Add(299*time.Millisecond)))
	assert.True(t, w.Poll(300*time.Millisecond, t0.Add(300*time.Millisecond)))
	assert.False(t, w.Poll(300*time.Millisecond, t0.Add(400*time.Millisecond)))

	w.Arm(t0.Add(time.Second))
	assert.True(t, w.Poll(0, t0.Add(time.Second)))
}

func TestWaitTimer_RearmRestarts(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var w WaitTimer

	w.Arm(t0)
	w.Arm(t0.Add(200 * time.Millisecond))
	assert.False(t, w.Poll(300*time.Millisecond, t0.Add(300*time.Millisecond)))
	assert.True(t, w.Poll(300*time.Millisecond, t0.Add(500*time.Millisecond)))
}

func TestWaitTimer_Disarm(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var w WaitTimer

	w.Arm(t0)
	w.Disarm()
	assert.False(t, w.Poll(0, t0.Add(time.Hour)))
}

func TestPulse_DropsAfterDuration(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var levels []bool
	p := NewPulse(func(v bool) error {
		levels = append(levels, v)
		return nil
	})

	require.NoError(t, p.Fire(100*time.Millisecond, t0))
	assert.True(t, p.High())

	require.NoError(t, p.Service(t0.Add(50*time.Millisecond)))
	assert.True(t, p.High())

	require.NoError(t, p.Service(t0.Add(100*time.Millisecond)))
	assert.False(t, p.High())

	require.NoError(t, p.Service(t0.Add(200*time.Millisecond)))
	assert.Equal(t, []bool{true, false}, levels)
}

func TestPulse_Cancel(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var last bool
	p := NewPulse(func(v bool) error {
		last = v
		return nil
	})

	require.NoError(t, p.Fire(time.Second, t0))
	require.True(t, last)
	require.NoError(t, p.Cancel())
	assert.False(t, last)
	assert.False(t, p.High())
}

func TestPulse_PropagatesSetterError(t *testing.T) {
	boom := errors.New("gpio write failed")
	p := NewPulse(func(bool) error { return boom })

	err := p.Fire(time.Millisecond, time.Unix(0, 0))
	assert.ErrorIs(t, err, boom)
}
