// Package eventbus fans a build's events out to live subscribers and
// appends them to a durable log for replay. The in-memory side is a
// mutex-guarded subscriber map whose Subscribe returns a cancel closure,
// with one buffered channel per live consumer of a build's event stream.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

const defaultBufferSize = 256

// Store is the durable side of the bus: every published event is appended
// here, and reconnecting live-stream clients resume through Replay.
type Store interface {
	Append(ctx context.Context, event build.BuildEvent) error
	Replay(ctx context.Context, buildID string, sinceID int64, limit int) ([]build.BuildEvent, error)
}

// Subscription is returned by Subscribe; callers must call Unsubscribe to
// stop receiving events and release the channel.
type Subscription struct {
	cancel func()
}

// Unsubscribe stops delivery and releases the subscriber's channel.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	id   int
	ch   chan build.BuildEvent
	mu   sync.Mutex
	dropped    int
	lastWasLog bool
}

// Bus is the in-memory publish/subscribe layer plus durable log writer.
type Bus struct {
	store      Store
	logger     ports.Logger
	bufferSize int

	mu      sync.RWMutex
	subs    map[string][]*subscriber
	nextID  int

	cursorsMu sync.Mutex
	cursors   map[string]*build.Cursor
}

// New builds a Bus writing through to store, using bufferSize as each
// subscriber's channel capacity (defaults to 256).
func New(store Store, logger ports.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		store:      store,
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[string][]*subscriber),
		cursors:    make(map[string]*build.Cursor),
	}
}

func (b *Bus) cursorFor(buildID string) *build.Cursor {
	b.cursorsMu.Lock()
	defer b.cursorsMu.Unlock()
	c, ok := b.cursors[buildID]
	if !ok {
		c = &build.Cursor{}
		b.cursors[buildID] = c
	}
	return c
}

// DropCursor releases the per-build event-id cursor once a build reaches a
// terminal state, so long-lived masters don't accumulate one cursor per
// build forever.
func (b *Bus) DropCursor(buildID string) {
	b.cursorsMu.Lock()
	delete(b.cursors, buildID)
	b.cursorsMu.Unlock()
}

// Publish stamps evt with the next id for its build (if unset), appends it
// to the durable log, and fans it out to every live subscriber for that
// build without blocking. A subscriber whose buffer is full never stalls
// the publisher: step-log events are silently coalesced under pressure, any
// other event type triggers a single synthetic event-dropped event noting
// the gap.
func (b *Bus) Publish(ctx context.Context, evt build.BuildEvent) error {
	if evt.ID == 0 {
		evt.ID = b.cursorFor(evt.BuildID).Next(time.Now())
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = time.Now()
	}

	if err := b.store.Append(ctx, evt); err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[evt.BuildID]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, evt)
	}
	return nil
}

func (b *Bus) deliver(s *subscriber, evt build.BuildEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A gap left by earlier drops is reported ahead of the next event that
	// finds room in the buffer.
	if s.dropped > 0 {
		select {
		case s.ch <- build.BuildEvent{BuildID: evt.BuildID, Type: build.EventDropped, StageName: evt.StageName, StepID: evt.StepID, Payload: map[string]interface{}{"dropped_count": s.dropped}}:
			s.dropped = 0
		default:
		}
	}

	select {
	case s.ch <- evt:
		s.lastWasLog = evt.Type == build.EventStepLog
		return
	default:
	}

	// Buffer is full. step-log fragments are safe to coalesce: the next
	// delivered log line still carries forward context, so we just count
	// the gap instead of fighting for channel space.
	s.dropped++
	if evt.Type == build.EventStepLog && s.lastWasLog {
		return
	}

	dropped := build.BuildEvent{
		BuildID:   evt.BuildID,
		Type:      build.EventDropped,
		StageName: evt.StageName,
		StepID:    evt.StepID,
		Payload:   map[string]interface{}{"dropped_count": s.dropped},
	}
	select {
	case s.ch <- dropped:
		s.dropped = 0
	default:
		// even the drop marker didn't fit; the next delivery that finds room
		// sends it first, its dropped_count covering the accumulated gap.
	}
}

// Subscribe registers a channel that receives every event published for
// buildID from this point forward. Use Replay first to catch up on history.
func (b *Bus) Subscribe(buildID string) (<-chan build.BuildEvent, Subscription) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	s := &subscriber{id: id, ch: make(chan build.BuildEvent, b.bufferSize)}
	b.subs[buildID] = append(b.subs[buildID], s)
	b.mu.Unlock()

	return s.ch, Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[buildID]
		for i, entry := range list {
			if entry.id == id {
				b.subs[buildID] = append(list[:i], list[i+1:]...)
				close(entry.ch)
				break
			}
		}
	}}
}

// Replay returns events for buildID with id > sinceID, in ascending order,
// bounded by limit. This is the durable log's read path, used both by
// reconnecting live-stream clients and by the CLI's non-streaming log view.
func (b *Bus) Replay(ctx context.Context, buildID string, sinceID int64, limit int) ([]build.BuildEvent, error) {
	return b.store.Replay(ctx, buildID, sinceID, limit)
}
