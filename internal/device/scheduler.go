package device

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/Homaei/RAPIAMS/internal/clock"
	"github.com/Homaei/RAPIAMS/internal/logger"
)

// Scheduler fires one-shot auto-off callbacks. A single goroutine services a
// deadline heap for all devices; it never holds its own lock while invoking a
// callback, so a callback is free to take a device lock and a concurrent
// Cancel under that device lock cannot deadlock. A fired-but-not-yet-run
// callback may lose the race with a manual turn-off; the turn-off path
// re-checks device state and treats the stale firing as a no-op.
type Scheduler struct {
	clk    clock.Clock
	logger logger.Interface

	mu      sync.Mutex
	pending map[string]*schedEntry
	queue   schedQueue
	started bool

	wake chan struct{}
	done chan struct{}
}

type schedEntry struct {
	name      string
	deadline  time.Time
	fn        func()
	cancelled bool
}

// NewScheduler creates a stopped scheduler; Start launches its goroutine.
func NewScheduler(clk clock.Clock, log logger.Interface) *Scheduler {
	return &Scheduler{
		clk:     clk,
		logger:  log.WithField("component", "auto-off-scheduler"),
		pending: make(map[string]*schedEntry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Stop terminates the dispatch goroutine. Pending callbacks are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.done)
}

// Schedule arms a one-shot callback for the device after delay d. A device
// can hold at most one pending timer; the state machine guarantees that, so a
// second registration is reported as an error rather than replaced.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[name]; exists {
		return fmt.Errorf("timer already pending for device %q", name)
	}

	e := &schedEntry{
		name:     name,
		deadline: s.clk.Now().Add(d),
		fn:       fn,
	}
	s.pending[name] = e
	heap.Push(&s.queue, e)

	s.kick()
	return nil
}

// Cancel revokes the pending timer for a device. It reports whether a timer
// was still pending; false means the timer already fired (or never existed)
// and the caller must verify device state itself.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[name]
	if !ok {
		return false
	}

	e.cancelled = true
	delete(s.pending, name)
	return true
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

const idleWait = 24 * time.Hour

func (s *Scheduler) run() {
	timer := s.clk.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := s.collectDue()

		for _, fn := range due {
			fn()
		}

		timer.Stop()
		timer.Reset(wait)

		select {
		case <-timer.C():
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// collectDue pops every expired entry and returns their callbacks together
// with the wait until the next deadline.
func (s *Scheduler) collectDue() ([]func(), time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var due []func()

	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		if next.deadline.After(now) {
			break
		}

		heap.Pop(&s.queue)
		delete(s.pending, next.name)
		due = append(due, next.fn)
	}

	wait := idleWait
	if s.queue.Len() > 0 {
		if d := s.queue[0].deadline.Sub(now); d < wait {
			wait = d
		}
	}
	return due, wait
}

// schedQueue is a min-heap of entries ordered by deadline.
type schedQueue []*schedEntry

func (q schedQueue) Len() int            { return len(q) }
func (q schedQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q schedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *schedQueue) Push(x interface{}) { *q = append(*q, x.(*schedEntry)) }

func (q *schedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
