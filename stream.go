// FILE: stream.go
// Package main – Minimal reactive combinators for the trading pipeline.
//
// The Trader expresses its decisions as a pipeline over pushed values:
// filter/map/scan/distinct/combine-latest/throttle-first/skip/flat-map.
// Streams here are cheap callback chains over a hot Subject; each
// Subscribe builds its own operator state, so two subscribers to the
// same scan do not share an accumulator.
//
// Concurrency contract: a pipeline is owned by exactly one goroutine
// (the Trader loop pushes every value). Nothing here takes locks, and
// operator state is deliberately not re-entrant safe.

package main

import "time"

// Disposable releases a scoped resource (a subscription, usually).
type Disposable interface{ Dispose() }

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }

// CompositeDisposable disposes a group of subscriptions together.
type CompositeDisposable struct{ items []Disposable }

func (c *CompositeDisposable) Add(ds ...Disposable) { c.items = append(c.items, ds...) }

func (c *CompositeDisposable) Dispose() {
	for i := len(c.items) - 1; i >= 0; i-- {
		c.items[i].Dispose()
	}
	c.items = nil
}

// Stream is a push sequence of values. Subscribing attaches a handler
// and returns the means to detach it.
type Stream[T any] struct {
	subscribe func(next func(T)) Disposable
}

func (s Stream[T]) Subscribe(next func(T)) Disposable { return s.subscribe(next) }

// Subject is a hot multicast source: Next fans a value out to every
// current subscriber in subscription order.
type Subject[T any] struct {
	nextID int
	subs   []subjectEntry[T]
}

type subjectEntry[T any] struct {
	id   int
	next func(T)
}

func NewSubject[T any]() *Subject[T] { return &Subject[T]{} }

func (s *Subject[T]) Next(v T) {
	// Snapshot so a handler may dispose itself mid-dispatch.
	entries := s.subs
	for _, e := range entries {
		e.next(v)
	}
}

func (s *Subject[T]) Subscribe(next func(T)) Disposable {
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subjectEntry[T]{id: id, next: next})
	return disposeFunc(func() {
		for i, e := range s.subs {
			if e.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	})
}

func (s *Subject[T]) Stream() Stream[T] {
	return Stream[T]{subscribe: s.Subscribe}
}

// ---- combinators ----

// Filter passes through the values matching pred.
func Filter[T any](s Stream[T], pred func(T) bool) Stream[T] {
	return Stream[T]{subscribe: func(next func(T)) Disposable {
		return s.Subscribe(func(v T) {
			if pred(v) {
				next(v)
			}
		})
	}}
}

// Map transforms each value.
func Map[T, U any](s Stream[T], f func(T) U) Stream[U] {
	return Stream[U]{subscribe: func(next func(U)) Disposable {
		return s.Subscribe(func(v T) { next(f(v)) })
	}}
}

// Scan is a stateful left fold: one output per input, carrying the
// accumulator. The seed itself is not emitted.
func Scan[T, A any](s Stream[T], seed A, f func(A, T) A) Stream[A] {
	return Stream[A]{subscribe: func(next func(A)) Disposable {
		acc := seed
		return s.Subscribe(func(v T) {
			acc = f(acc, v)
			next(acc)
		})
	}}
}

// DistinctUntilChangedBy suppresses consecutive values whose projection
// is equal to the previous one.
func DistinctUntilChangedBy[T any, K comparable](s Stream[T], key func(T) K) Stream[T] {
	return Stream[T]{subscribe: func(next func(T)) Disposable {
		var last K
		seen := false
		return s.Subscribe(func(v T) {
			k := key(v)
			if seen && k == last {
				return
			}
			seen = true
			last = k
			next(v)
		})
	}}
}

// DistinctUntilChanged suppresses consecutive duplicates.
func DistinctUntilChanged[T comparable](s Stream[T]) Stream[T] {
	return DistinctUntilChangedBy(s, func(v T) T { return v })
}

// Skip drops the first n values.
func Skip[T any](s Stream[T], n int) Stream[T] {
	return Stream[T]{subscribe: func(next func(T)) Disposable {
		remaining := n
		return s.Subscribe(func(v T) {
			if remaining > 0 {
				remaining--
				return
			}
			next(v)
		})
	}}
}

// FlatMap expands each value into a finite sequence emitted in order.
func FlatMap[T, U any](s Stream[T], f func(T) []U) Stream[U] {
	return Stream[U]{subscribe: func(next func(U)) Disposable {
		return s.Subscribe(func(v T) {
			for _, u := range f(v) {
				next(u)
			}
		})
	}}
}

// ThrottleFirst emits the first value of each window and drops the
// rest. now is injectable so tests can drive time.
func ThrottleFirst[T any](s Stream[T], window time.Duration, now func() time.Time) Stream[T] {
	return Stream[T]{subscribe: func(next func(T)) Disposable {
		var windowStart time.Time
		return s.Subscribe(func(v T) {
			t := now()
			if !windowStart.IsZero() && t.Sub(windowStart) < window {
				return
			}
			windowStart = t
			next(v)
		})
	}}
}

// Pair2 carries the latest value from each of two combined sources.
type Pair2[A, B any] struct {
	A A
	B B
}

// Pair3 carries the latest value from each of three combined sources.
type Pair3[A, B, C any] struct {
	A A
	B B
	C C
}

// CombineLatest2 emits on every input once both sources have produced
// at least once, carrying the most recent value from each.
func CombineLatest2[A, B any](a Stream[A], b Stream[B]) Stream[Pair2[A, B]] {
	return Stream[Pair2[A, B]]{subscribe: func(next func(Pair2[A, B])) Disposable {
		var la A
		var lb B
		haveA, haveB := false, false
		emit := func() {
			if haveA && haveB {
				next(Pair2[A, B]{A: la, B: lb})
			}
		}
		da := a.Subscribe(func(v A) { la, haveA = v, true; emit() })
		db := b.Subscribe(func(v B) { lb, haveB = v, true; emit() })
		return disposeFunc(func() { da.Dispose(); db.Dispose() })
	}}
}

// CombineLatest3 is CombineLatest2 over three sources.
func CombineLatest3[A, B, C any](a Stream[A], b Stream[B], c Stream[C]) Stream[Pair3[A, B, C]] {
	return Stream[Pair3[A, B, C]]{subscribe: func(next func(Pair3[A, B, C])) Disposable {
		var la A
		var lb B
		var lc C
		haveA, haveB, haveC := false, false, false
		emit := func() {
			if haveA && haveB && haveC {
				next(Pair3[A, B, C]{A: la, B: lb, C: lc})
			}
		}
		da := a.Subscribe(func(v A) { la, haveA = v, true; emit() })
		db := b.Subscribe(func(v B) { lb, haveB = v, true; emit() })
		dc := c.Subscribe(func(v C) { lc, haveC = v, true; emit() })
		return disposeFunc(func() { da.Dispose(); db.Dispose(); dc.Dispose() })
	}}
}
