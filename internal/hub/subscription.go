package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

// State is the lifecycle state of a subscription.
type State int32

// Subscription lifecycle: Connecting -> Active -> (Draining ->) Closed.
const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Subscription is one live consumer of hub events.
type Subscription struct {
	queue chan telemetry.Event
	done  chan struct{}
	id    string

	mu    sync.Mutex
	err   error
	timer *time.Timer

	closeOnce sync.Once
	state     atomic.Int32
	cursor    atomic.Uint64

	// guarded by Hub.mu
	queueClosed bool
}

func newSubscription(capacity int) *Subscription {
	return &Subscription{
		queue: make(chan telemetry.Event, capacity),
		done:  make(chan struct{}),
		id:    uuid.NewString(),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Cursor returns the sequence number of the last event returned by Next.
func (s *Subscription) Cursor() uint64 {
	return s.cursor.Load()
}

// Done is closed when the subscription reaches Closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription stopped, or nil while it is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next blocks until the next event is available. A draining subscription keeps
// returning queued events until its backlog is empty or the drain timeout fires,
// then returns ErrSubscriberOverflow.
func (s *Subscription) Next(ctx context.Context) (telemetry.Event, error) {
	select {
	case <-s.done:
		return telemetry.Event{}, s.Err()
	default:
	}

	select {
	case e, ok := <-s.queue:
		if !ok {
			err := s.Err()
			if err == nil {
				err = telemetry.ErrSubscriptionClosed
			}
			s.finish(err)
			return telemetry.Event{}, err
		}
		s.cursor.Store(e.Seq)
		return e, nil
	case <-s.done:
		return telemetry.Event{}, s.Err()
	case <-ctx.Done():
		return telemetry.Event{}, ctx.Err()
	}
}

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
}

// setErr records the first terminal error.
func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Subscription) startDrainTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	s.timer = time.AfterFunc(d, fn)
	s.mu.Unlock()
}

// finish moves the subscription to Closed. It reports whether this call did the transition.
func (s *Subscription) finish(err error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.setErr(err)
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		s.setState(StateClosed)
		close(s.done)
		closed = true
	})
	return closed
}
