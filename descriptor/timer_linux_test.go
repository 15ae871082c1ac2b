//go:build linux

package descriptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerOneShot(t *testing.T) {
	timer, err := NewTimer()
	require.NoError(t, err)
	defer timer.Close()

	require.NoError(t, timer.Set(20, false))

	set := NewSet()
	require.NoError(t, set.Add(timer.Descriptor(), 1))

	id, err := set.Poll(1000)
	require.NoError(t, err)
	require.Equal(t, 1, id)

	require.Equal(t, uint64(1), timer.Rearm())
	require.Equal(t, uint64(0), timer.Rearm(), "second rearm must read not-ready")
}

func TestTimerCancel(t *testing.T) {
	timer, err := NewTimer()
	require.NoError(t, err)
	defer timer.Close()

	require.NoError(t, timer.Set(20, false))
	require.NoError(t, timer.Set(0, false))

	set := NewSet()
	require.NoError(t, set.Add(timer.Descriptor(), 1))

	id, err := set.Poll(50)
	require.NoError(t, err)
	require.Equal(t, 0, id, "cancelled timer must not fire")
}

func TestTimerPeriodicCountsTicks(t *testing.T) {
	timer, err := NewTimer()
	require.NoError(t, err)
	defer timer.Close()

	require.NoError(t, timer.Set(10, true))
	time.Sleep(45 * time.Millisecond)

	ticks := timer.Rearm()
	require.GreaterOrEqual(t, ticks, uint64(3))
	require.LessOrEqual(t, ticks, uint64(6))
}

func TestTimerRearmBeforeExpiry(t *testing.T) {
	timer, err := NewTimer()
	require.NoError(t, err)
	defer timer.Close()

	require.NoError(t, timer.Set(10000, false))
	require.Equal(t, uint64(0), timer.Rearm())
}
