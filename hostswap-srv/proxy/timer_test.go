package proxy

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptTimer_Fires(t *testing.T) {
	var calls atomic.Int32
	timer := startAttemptTimer(20*time.Millisecond, func() { calls.Add(1) })
	defer timer.Stop()

	require.Eventually(t, timer.Fired, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, timer.Reset(), "a fired timer cannot be rearmed")
}

func TestAttemptTimer_ResetPostponesFiring(t *testing.T) {
	var calls atomic.Int32
	timer := startAttemptTimer(100*time.Millisecond, func() { calls.Add(1) })
	defer timer.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, timer.Reset())
	}
	assert.False(t, timer.Fired())
	assert.Equal(t, int32(0), calls.Load())
}

func TestAttemptTimer_Stop(t *testing.T) {
	var calls atomic.Int32
	timer := startAttemptTimer(20*time.Millisecond, func() { calls.Add(1) })
	timer.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, timer.Fired())
	assert.Equal(t, int32(0), calls.Load())
}
