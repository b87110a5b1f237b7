// Package approval implements ports.ApprovalWaiter (spec.md §4.1 step 2,
// §9's coroutine/callback note): a gate stage waits on a typed channel that
// resolves with the human decision, rejection, or timeout. Concrete
// resolution (who may approve, how responses reach the process) lives
// behind the HTTP/UI surface (spec.md §1); this package only owns the
// in-memory wait/resolve rendezvous plus the deadline timer, grounded on
// the same channel-rendezvous shape internal/eventbus uses for its
// subscriber channels.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

type waiting struct {
	gate     build.ApprovalGate
	resolved chan build.ApprovalStatus
}

// Gates is the in-memory rendezvous point between a build awaiting
// approval and the external collaborator resolving it (an HTTP handler
// calling Resolve). One process-wide instance is expected; keyed by
// (buildID, stageName).
type Gates struct {
	mu     sync.Mutex
	open   map[string]*waiting
	logger ports.Logger
}

// NewGates constructs an empty Gates registry.
func NewGates(logger ports.Logger) *Gates {
	return &Gates{open: make(map[string]*waiting), logger: logger}
}

func key(buildID, stageName string) string { return buildID + "/" + stageName }

// Await implements ports.ApprovalWaiter: it registers gate if not already
// open, then blocks until a decision resolves it, its deadline passes, or
// ctx is cancelled.
func (g *Gates) Await(ctx context.Context, gate build.ApprovalGate) (build.ApprovalStatus, error) {
	k := key(gate.BuildID, gate.StageName)

	g.mu.Lock()
	w, exists := g.open[k]
	if !exists {
		if gate.Status == "" {
			gate.Status = build.ApprovalPending
		}
		w = &waiting{gate: gate, resolved: make(chan build.ApprovalStatus, 1)}
		g.open[k] = w
	}
	g.mu.Unlock()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if !gate.Deadline.IsZero() {
		d := time.Until(gate.Deadline)
		if d <= 0 {
			g.finish(k, build.ApprovalTimedOut)
			return build.ApprovalTimedOut, nil
		}
		timer = time.NewTimer(d)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case status := <-w.resolved:
		return status, nil
	case <-timerCh:
		g.finish(k, build.ApprovalTimedOut)
		return build.ApprovalTimedOut, nil
	case <-ctx.Done():
		return build.ApprovalPending, ctx.Err()
	}
}

// Resolve is called by the edge collaborator (an HTTP approve/reject
// handler) with a reviewer's decision. It records the response against the
// gate's accumulation rule (build.ApprovalGate.Record) and, once the gate
// reaches a terminal status, wakes the waiter.
func (g *Gates) Resolve(buildID, stageName string, resp build.ApprovalResponse) (build.ApprovalStatus, error) {
	k := key(buildID, stageName)

	g.mu.Lock()
	w, ok := g.open[k]
	g.mu.Unlock()
	if !ok {
		return "", cherrors.New(cherrors.CodeNotFound, "no open approval gate").WithContext(map[string]interface{}{
			"build_id": buildID, "stage": stageName,
		})
	}

	status := w.gate.Record(resp)
	if status == build.ApprovalApproved || status == build.ApprovalRejected {
		g.finish(k, status)
	}
	return status, nil
}

func (g *Gates) finish(k string, status build.ApprovalStatus) {
	g.mu.Lock()
	w, ok := g.open[k]
	if ok {
		delete(g.open, k)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resolved <- status:
	default:
	}
}

var _ ports.ApprovalWaiter = (*Gates)(nil)
