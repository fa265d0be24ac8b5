package opstream

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Scheduler runs the continuations of a stream. Tasks posted to one
// scheduler never run in parallel, so a stream needs no locking for
// the state its tasks touch.
type Scheduler interface {
	Post(task func())
	PostAfter(delay time.Duration, task func())
}

// Loop is a single goroutine running posted tasks in FIFO order.
type Loop struct {
	lock   sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	closed bool
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (l *Loop) Post(task func()) {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.lock.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) PostAfter(delay time.Duration, task func()) {
	if delay <= 0 {
		l.Post(task)
		return
	}
	time.AfterFunc(delay, func() { l.Post(task) })
}

// Do runs fn on the loop and waits for it. Everything fn offers to a
// stream of this loop lands in one batch.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-l.quit:
		return false
	}
}

// Run executes tasks until the context is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.lock.Lock()
		tasks := l.queue
		l.queue = nil
		l.lock.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.closed {
		l.closed = true
		l.queue = nil
		close(l.quit)
	}
	return nil
}

type manualTimer struct {
	at   time.Duration
	seq  int
	task func()
}

// ManualLoop is a deterministic scheduler with virtual time. Nothing
// runs until the owner calls RunPending, RunUntilIdle or Advance.
type ManualLoop struct {
	lock   sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []manualTimer
}

func NewManualLoop() *ManualLoop {
	return &ManualLoop{}
}

func (m *ManualLoop) Post(task func()) {
	m.lock.Lock()
	m.queue = append(m.queue, task)
	m.lock.Unlock()
}

func (m *ManualLoop) PostAfter(delay time.Duration, task func()) {
	if delay <= 0 {
		m.Post(task)
		return
	}
	m.lock.Lock()
	m.seq++
	m.timers = append(m.timers, manualTimer{at: m.now + delay, seq: m.seq, task: task})
	m.lock.Unlock()
}

// Now is the virtual time elapsed since creation.
func (m *ManualLoop) Now() time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

// Pending counts the tasks ready to run plus the armed timers.
func (m *ManualLoop) Pending() (ready, timers int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.queue), len(m.timers)
}

// RunPending runs the tasks posted so far; tasks they post wait for
// the next call. Returns the number of tasks run.
func (m *ManualLoop) RunPending() int {
	m.lock.Lock()
	tasks := m.queue
	m.queue = nil
	m.lock.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// RunUntilIdle runs tasks until none is ready. Timers stay armed.
func (m *ManualLoop) RunUntilIdle() (total int) {
	for {
		n := m.RunPending()
		if n == 0 {
			return
		}
		total += n
	}
}

// Advance moves the virtual clock forward, firing the timers that come
// due in order and running everything they post.
func (m *ManualLoop) Advance(d time.Duration) {
	m.lock.Lock()
	target := m.now + d
	m.lock.Unlock()
	m.RunUntilIdle()
	for {
		m.lock.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at != m.timers[j].at {
				return m.timers[i].at < m.timers[j].at
			}
			return m.timers[i].seq < m.timers[j].seq
		})
		if len(m.timers) == 0 || m.timers[0].at > target {
			m.now = target
			m.lock.Unlock()
			m.RunUntilIdle()
			return
		}
		timer := m.timers[0]
		m.timers = m.timers[1:]
		m.now = timer.at
		m.queue = append(m.queue, timer.task)
		m.lock.Unlock()
		m.RunUntilIdle()
	}
}
