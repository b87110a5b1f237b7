package build

import "context"

// EventSink is where a running build's events go before fan-out. The Build
// Runner constructs one per build backed by the event bus; Context carries
// it so the Pipeline Executor and Step Executor Registry never need to know
// about the bus itself.
type EventSink interface {
	Publish(ctx context.Context, evt BuildEvent) error
}

// Context is the in-memory execution context for one running build. The
// Build Runner exclusively owns it (spec.md §3 Ownership); the Pipeline
// Executor and Step Executor Registry receive it by reference and read it,
// but only the runner mutates WorkspacePath/Env/MaskValues once execution
// has begun.
type Context struct {
	BuildID       string
	JobID         string
	OrgID         string
	WorkspacePath string
	Env           map[string]string
	MaskValues    []string
	Branch        string
	Params        map[string]string
	Sink          EventSink
}

// WithEnv returns a copy of the context carrying additional environment
// bindings merged over the existing ones, used by matrix-expanded steps and
// stage-level container bindings without mutating the shared context.
func (c *Context) WithEnv(extra map[string]string) *Context {
	merged := make(map[string]string, len(c.Env)+len(extra))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	clone := *c
	clone.Env = merged
	return &clone
}

// Publish forwards an event to the context's sink, tolerating a nil sink so
// tests can construct a bare Context without wiring a full event bus.
func (c *Context) Publish(ctx context.Context, evt BuildEvent) error {
	evt.BuildID = c.BuildID
	if c.Sink == nil {
		return nil
	}
	return c.Sink.Publish(ctx, evt)
}
