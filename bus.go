// FILE: bus.go
// Package main – Multi-producer, multi-subscriber message bus.
//
// Two instances carry the whole system: one Bus[Command] (Traders ->
// Connector) and one Bus[Event] (Connector -> Traders).
//
// Contracts:
//   • Publish never blocks: the message is appended to every live
//     subscription's own bounded queue and the publisher returns.
//   • A slow subscriber only loses its OWN oldest messages (drop-oldest
//     with a warning); it never stalls other subscribers.
//   • Per producer, each subscriber observes messages in publish order.
//   • Subscribe sees only messages published after it; Close stops
//     delivery and frees the queue.

package main

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// busQueueSize bounds each subscription's pending queue. At the poll
// cadences in use the queue stays near empty; the bound only matters
// when a subscriber wedges.
const busQueueSize = 256

type Bus[T any] struct {
	name string

	mu     sync.Mutex
	nextID int
	subs   map[int]*BusSubscription[T]
	closed bool
}

func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name, subs: make(map[int]*BusSubscription[T])}
}

// Publish enqueues v for every live subscription and returns.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*BusSubscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(v)
	}
}

// Subscribe registers a new subscription delivering messages published
// from now on. The caller owns the returned subscription and must
// Close it.
func (b *Bus[T]) Subscribe() *BusSubscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &BusSubscription[T]{
		bus:  b,
		id:   b.nextID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}
	if b.closed {
		close(s.out)
		return s
	}
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Close shuts the bus down: drops every subscription and makes further
// Publish calls no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[int]*BusSubscription[T]{}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus[T]) drop(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// BusSubscription is one subscriber's view of a bus: a private bounded
// queue pumped into an unbuffered channel.
type BusSubscription[T any] struct {
	bus *Bus[T]
	id  int

	mu    sync.Mutex
	queue []T

	wake chan struct{}
	done chan struct{}
	once sync.Once
	out  chan T
}

// C returns the delivery channel. It is closed when the subscription
// or the bus closes.
func (s *BusSubscription[T]) C() <-chan T { return s.out }

// Close releases the subscription: delivery stops and the queue is
// freed. Safe to call more than once.
func (s *BusSubscription[T]) Close() {
	s.bus.drop(s.id)
	s.stop()
}

func (s *BusSubscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *BusSubscription[T]) enqueue(v T) {
	s.mu.Lock()
	if len(s.queue) >= busQueueSize {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		IncBusDropped(s.bus.name)
		log.Warn().
			Str("bus", s.bus.name).
			Str("message", fmt.Sprintf("%T", dropped)).
			Msg("subscriber queue full, dropping oldest message")
		s.mu.Lock()
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *BusSubscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
