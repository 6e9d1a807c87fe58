// Package loop implements the daemon's single-threaded cooperative event
// loop: one goroutine multiplexes posted work, scheduled timers, and OS
// signals, so that every mutation of peer-cache and server state happens
// without locking. Other goroutines (script-runner children, Kafka
// producer callbacks, HTTP handlers) never touch that state directly —
// they call Post to hand work back onto the loop goroutine.
package loop

import (
	"container/heap"
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is the daemon's single event-processing goroutine. The zero value
// is not usable; construct with New.
type Loop struct {
	log *zap.Logger

	tasks chan func()

	timersMu sync.Mutex
	timers   timerHeap
	nextID   uint64

	sigCh      chan os.Signal
	signalFns  map[os.Signal][]func()

	wake chan struct{}
}

// New constructs a Loop. Call Notify to register OS signals of interest
// before calling Run.
func New(log *zap.Logger) *Loop {
	return &Loop{
		log:       log,
		tasks:     make(chan func(), 256),
		sigCh:     make(chan os.Signal, 8),
		signalFns: make(map[os.Signal][]func()),
		wake:      make(chan struct{}, 1),
	}
}

// Post schedules fn to run on the loop goroutine at the next opportunity.
// Safe to call from any goroutine; this is the only sanctioned way for
// another goroutine (a script completion, a Kafka callback, an HTTP
// handler) to touch loop-owned state.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// Notify registers fn to run on the loop goroutine whenever sig arrives.
// Mirrors the original's self-pipe signal discipline (signal_handler
// writes the signal number into a socketpair, the loop's poll reads it
// and dispatches) using signal.Notify's channel instead of a raw fd pair
// — the idiomatic Go equivalent of the same pattern.
func (l *Loop) Notify(fn func(), sigs ...os.Signal) {
	for _, s := range sigs {
		l.signalFns[s] = append(l.signalFns[s], fn)
	}
	signal.Notify(l.sigCh, sigs...)
}

// TimerHandle cancels a scheduled timer. Implements peer.EventHandle by
// structural typing (Stop() method) without importing package peer.
type TimerHandle struct {
	l  *Loop
	id uint64
}

// Stop cancels the timer if it has not already fired. Safe to call more
// than once.
func (h TimerHandle) Stop() {
	if h.l == nil {
		return
	}
	h.l.timersMu.Lock()
	defer h.l.timersMu.Unlock()
	h.l.timers.removeID(h.id)
}

type timerEntry struct {
	id    uint64
	at    time.Time
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
func (h *timerHeap) removeID(id uint64) {
	for i, e := range *h {
		if e.id == id {
			heap.Remove(h, i)
			return
		}
	}
}

// ScheduleAt schedules fn to run on the loop goroutine at t.
func (l *Loop) ScheduleAt(t time.Time, fn func()) TimerHandle {
	l.timersMu.Lock()
	l.nextID++
	id := l.nextID
	heap.Push(&l.timers, &timerEntry{id: id, at: t, fn: fn})
	l.timersMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return TimerHandle{l: l, id: id}
}

// ScheduleAfter schedules fn to run on the loop goroutine after d elapses.
func (l *Loop) ScheduleAfter(d time.Duration, fn func()) TimerHandle {
	return l.ScheduleAt(time.Now().Add(d), fn)
}

// nextTimer pops and returns the earliest due timer, or nil with the
// duration until the next one if none is due yet.
func (l *Loop) nextTimer(now time.Time) (*timerEntry, time.Duration) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if l.timers.Len() == 0 {
		return nil, -1
	}
	next := l.timers[0]
	if !next.at.After(now) {
		heap.Pop(&l.timers)
		return next, 0
	}
	return nil, next.at.Sub(now)
}

// Run drives the event loop until ctx is canceled. It is the daemon's
// single point of state mutation: every callback it invokes — posted
// work, fired timers, signal handlers — runs sequentially on this one
// goroutine.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		due, wait := l.nextTimer(now)
		if due != nil {
			due.fn()
			continue
		}
		if wait < 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		case <-timer.C:
			continue
		case <-l.wake:
			continue
		case sig := <-l.sigCh:
			for _, fn := range l.signalFns[sig] {
				fn()
			}
		}
	}
}
