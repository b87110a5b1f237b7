package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/domain/build"
)

// TestThresholdFailuresOpenBreaker covers testable property 6: T
// consecutive failures trip the breaker, and no request passes while open.
func TestThresholdFailuresOpenBreaker(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond}, nil)

	boom := errors.New("dispatch failed")
	for i := 0; i < 3; i++ {
		assert.True(t, reg.Allow("agent-1"))
		err := reg.Record("agent-1", func() error { return boom })
		assert.Error(t, err)
	}

	assert.False(t, reg.Allow("agent-1"), "breaker must open after threshold consecutive failures")
	assert.Equal(t, build.BreakerOpen, reg.State("agent-1").State)
}

// TestHalfOpenProbeSuccessCloses covers testable property 6's second half:
// after reset_ms elapses, the next probe is allowed; success closes the
// breaker and resets the failure counter.
func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, nil)

	_ = reg.Record("agent-2", func() error { return errors.New("fail") })
	require.False(t, reg.Allow("agent-2"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, reg.Allow("agent-2"), "breaker must allow one probe once reset_ms elapses")

	err := reg.Record("agent-2", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, build.BreakerClosed, reg.State("agent-2").State)
	assert.Equal(t, 0, reg.State("agent-2").ConsecutiveFailure)
}

// TestHalfOpenProbeFailureReopens covers testable property 6's third
// clause: a failing probe re-opens the breaker with a fresh timer.
func TestHalfOpenProbeFailureReopens(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, nil)

	_ = reg.Record("agent-3", func() error { return errors.New("fail") })
	time.Sleep(40 * time.Millisecond)
	require.True(t, reg.Allow("agent-3"))

	_ = reg.Record("agent-3", func() error { return errors.New("still failing") })
	assert.False(t, reg.Allow("agent-3"))
	assert.Equal(t, build.BreakerOpen, reg.State("agent-3").State)
}

// TestResetAgentForcesClosed covers the admin recovery path: ResetAgent
// discards an unsuccessful streak even before reset_ms elapses.
func TestResetAgentForcesClosed(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)

	_ = reg.Record("agent-4", func() error { return errors.New("fail") })
	require.False(t, reg.Allow("agent-4"))

	reg.ResetAgent("agent-4")
	assert.True(t, reg.Allow("agent-4"))
}

// TestCountOpen tracks how many distinct agent breakers are open at once.
func TestCountOpen(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)

	_ = reg.Record("a", func() error { return errors.New("fail") })
	_ = reg.Record("b", func() error { return nil })

	assert.Equal(t, 1, reg.CountOpen())
}
