package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/domain/build"
)

// TestAwaitResolvesOnApproval covers the rendezvous's happy path: Await
// blocks until Resolve records enough approvals to cross MinApprovals.
func TestAwaitResolvesOnApproval(t *testing.T) {
	gates := NewGates(nil)
	gate := build.ApprovalGate{BuildID: "b1", StageName: "deploy", MinApprovals: 2}

	resultCh := make(chan build.ApprovalStatus, 1)
	go func() {
		status, err := gates.Await(context.Background(), gate)
		require.NoError(t, err)
		resultCh <- status
	}()

	time.Sleep(10 * time.Millisecond) // let Await register the gate first
	status, err := gates.Resolve("b1", "deploy", build.ApprovalResponse{User: "alice", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, build.ApprovalPending, status, "one of two required approvals is still pending")

	status, err = gates.Resolve("b1", "deploy", build.ApprovalResponse{User: "bob", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, build.ApprovalApproved, status)

	select {
	case got := <-resultCh:
		assert.Equal(t, build.ApprovalApproved, got)
	case <-time.After(time.Second):
		t.Fatal("Await never woke after the gate was approved")
	}
}

// TestAwaitResolvesOnRejection covers the single-rejection-fails-outright
// rule.
func TestAwaitResolvesOnRejection(t *testing.T) {
	gates := NewGates(nil)
	gate := build.ApprovalGate{BuildID: "b2", StageName: "deploy", MinApprovals: 3}

	resultCh := make(chan build.ApprovalStatus, 1)
	go func() {
		status, _ := gates.Await(context.Background(), gate)
		resultCh <- status
	}()

	time.Sleep(10 * time.Millisecond)
	status, err := gates.Resolve("b2", "deploy", build.ApprovalResponse{User: "carol", Approve: false})
	require.NoError(t, err)
	assert.Equal(t, build.ApprovalRejected, status)

	select {
	case got := <-resultCh:
		assert.Equal(t, build.ApprovalRejected, got)
	case <-time.After(time.Second):
		t.Fatal("Await never woke after rejection")
	}
}

// TestAwaitTimesOutAtDeadline covers spec.md §4.1's gate timeout clause:
// an unresolved gate past its deadline resolves timed-out on its own.
func TestAwaitTimesOutAtDeadline(t *testing.T) {
	gates := NewGates(nil)
	gate := build.ApprovalGate{
		BuildID: "b3", StageName: "deploy", MinApprovals: 1,
		Deadline: time.Now().Add(10 * time.Millisecond),
	}

	status, err := gates.Await(context.Background(), gate)
	require.NoError(t, err)
	assert.Equal(t, build.ApprovalTimedOut, status)
}

// TestAwaitReturnsOnContextCancellation covers cooperative cancellation
// during a gate wait: the Pipeline Executor distinguishes this from a
// rejection or timeout to mark the build aborted rather than failed.
func TestAwaitReturnsOnContextCancellation(t *testing.T) {
	gates := NewGates(nil)
	gate := build.ApprovalGate{BuildID: "b4", StageName: "deploy", MinApprovals: 1}

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := gates.Await(ctx, gate)
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await never returned after context cancellation")
	}
}

// TestResolveUnknownGateReturnsError covers calling Resolve against a gate
// that was never Await-ed (e.g. a stale or mistyped approval response).
func TestResolveUnknownGateReturnsError(t *testing.T) {
	gates := NewGates(nil)
	_, err := gates.Resolve("missing", "stage", build.ApprovalResponse{User: "x", Approve: true})
	assert.Error(t, err)
}
