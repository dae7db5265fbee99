package events

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the number of events the Bus buffers before Publish
// blocks and TryPublish drops.
const DefaultQueueSize = 256

type subscriber struct {
	fn func(Event)
}

// Bus delivers events to subscribers on a single dispatcher goroutine, in
// publish order. A subscriber that panics is skipped for that event only.
//
// Subscribers run on the dispatcher and must not call Publish; use TryPublish
// if a subscriber needs to emit follow-up events.
type Bus struct {
	queue chan Event
	done  chan struct{}
	exit  chan struct{}

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Uint64
	now     func() time.Time
	log     *slog.Logger
}

// NewBus starts a Bus with a queue of the given size; size <= 0 means
// DefaultQueueSize. Subscriber panics are logged to log.
func NewBus(size int, log *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bus{
		log:   log,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
		subs:  make(map[*subscriber]struct{}),
		now:   time.Now,
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn and returns a function that removes it. After the
// returned function has been called fn receives no further events.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := &subscriber{fn: fn}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		})
	}
}

// Publish queues e, blocking while the queue is full. It returns false if the
// bus is closed.
func (b *Bus) Publish(e Event) bool {
	e = b.stamp(e)
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- e:
		return true
	case <-b.done:
		return false
	}
}

// PublishUntil is Publish that also gives up when stop is closed, so a
// worker blocked on a full queue can still be stopped. It returns false if
// the event was not queued.
func (b *Bus) PublishUntil(e Event, stop <-chan struct{}) bool {
	e = b.stamp(e)
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- e:
		return true
	case <-b.done:
		return false
	case <-stop:
		return false
	}
}

// TryPublish queues e without blocking. It returns false and counts the event
// as dropped when the queue is full or the bus is closed.
func (b *Bus) TryPublish(e Event) bool {
	e = b.stamp(e)
	select {
	case <-b.done:
		b.dropped.Add(1)
		return false
	default:
	}
	select {
	case b.queue <- e:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events TryPublish discarded.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close delivers the events already queued, then stops the dispatcher. It is
// safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.exit
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	<-b.exit
}

func (b *Bus) stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	return e
}

func (b *Bus) dispatch() {
	defer close(b.exit)
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-b.done:
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.mu.RLock()
		_, live := b.subs[s]
		b.mu.RUnlock()
		if !live {
			continue
		}
		b.call(s.fn, e)
	}
}

func (b *Bus) call(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("events: subscriber panicked", "event", e.Type, "panic", r)
		}
	}()
	fn(e)
}
