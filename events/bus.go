package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Next after Close once the buffer drains.
var ErrBusClosed = errors.New("event bus closed")

// Publisher is the emission side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Fanout publishes to several publishers in order, returning the first
// error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops every event. Used when a crawl runs without observers.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Bus is the in-memory event bus. Each subscriber owns a bounded buffer;
// when it fills, the oldest droppable event is shed. If the buffer is full
// of non-droppable events the publisher blocks until the subscriber drains
// or the context ends.
type Bus struct {
	depth int
	seq   *seqTracker

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer depth.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 256
	}
	return &Bus{depth: depth, seq: newSeqTracker()}
}

// Subscribe registers a subscriber for the given event types; no types means
// all types.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	s := &Subscription{
		depth:    b.depth,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Publish stamps the event and delivers it to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.seq.stamp(&e)

	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		if err := s.push(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Close marks every subscription closed. Buffered events stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.close()
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	types map[Type]bool
	depth int

	mu       sync.Mutex
	buf      []Event
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
}

func (s *Subscription) push(ctx context.Context, e Event) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrBusClosed
		}
		if len(s.buf) < s.depth {
			s.buf = append(s.buf, e)
			s.mu.Unlock()
			signal(s.notEmpty)
			return nil
		}
		if s.shedLocked() {
			s.buf = append(s.buf, e)
			s.mu.Unlock()
			signal(s.notEmpty)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notFull:
		}
	}
}

// shedLocked removes the oldest droppable event from the buffer.
func (s *Subscription) shedLocked() bool {
	for i, old := range s.buf {
		if old.Type.Droppable() {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			return true
		}
	}
	return false
}

// Next blocks for the next event. Returns ErrBusClosed once the bus is
// closed and the buffer is drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			signal(s.notFull)
			return e, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrBusClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notEmpty:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	signal(s.notEmpty)
	signal(s.notFull)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
