package opstream

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/stefantrew2/swarm/protocol"
)

// Processor is the per-op hook of a BatchedOpStream. It may emit zero
// or more ops and must complete the task exactly once, possibly later
// and from another goroutine.
type Processor interface {
	ProcessOp(task *Task)
}

type ProcessorFunc func(task *Task)

func (f ProcessorFunc) ProcessOp(task *Task) {
	f(task)
}

// PassThrough emits every op unchanged.
type PassThrough struct{}

func (PassThrough) ProcessOp(task *Task) {
	_ = task.Emit(task.Op())
	task.Done(nil)
}

type batch struct {
	gen uint64
	ops []protocol.Op
}

func (b *batch) reset() {
	clear(b.ops)
	b.ops = b.ops[:0]
}

// BatchedOpStream groups offered ops into generations. A generation is
// promoted once the previous one is processed and emitted; its ops go
// through the Processor one by one, in offer order, and whatever the
// Processor emits leaves the stream as one batch.
//
// Three buffers rotate through the ingress, processed and egress roles.
// Ingress is shared with Offer callers under the lock; everything else
// belongs to tasks running on the Scheduler.
type BatchedOpStream struct {
	*OpStream
	proc  Processor
	arena [3]batch

	lock      sync.Mutex
	ingress   *batch
	scheduled bool
	live      bool
	closed    bool

	processed *batch
	egress    *batch
	cursor    int
	gen       uint64
	advancing bool
	running   bool
	pending   *Task
}

func NewBatchedOpStream(proc Processor, opts ...StreamOpt) *BatchedOpStream {
	if proc == nil {
		proc = PassThrough{}
	}
	s := &BatchedOpStream{
		OpStream: NewOpStream(opts...),
		proc:     proc,
	}
	s.ingress, s.processed, s.egress = &s.arena[0], &s.arena[1], &s.arena[2]
	return s
}

// Generation is the number of the last promoted batch.
func (s *BatchedOpStream) Generation() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.gen
}

func (s *BatchedOpStream) Offer(op protocol.Op) error {
	return s.OfferAll(op)
}

// OfferAll appends ops to the ingress batch at once.
func (s *BatchedOpStream) OfferAll(ops ...protocol.Op) error {
	if len(ops) == 0 {
		return nil
	}
	s.lock.Lock()
	if s.closed || s.Ended() {
		s.lock.Unlock()
		return ErrStreamClosed
	}
	s.ingress.ops = append(s.ingress.ops, ops...)
	schedule := !s.live && !s.scheduled
	if schedule {
		s.scheduled = true
	}
	s.lock.Unlock()

	OpsOffered.WithLabelValues(s.name).Add(float64(len(ops)))
	if schedule {
		s.sched.PostAfter(s.Pause(), s.tick)
	}
	return nil
}

func (s *BatchedOpStream) DrainOps(ops []protocol.Op) error {
	return s.OfferAll(ops...)
}

// End drops the ingress and the egress of the batch in flight, then
// ends the stream.
func (s *BatchedOpStream) End() {
	s.drop()
	s.OpStream.End()
}

func (s *BatchedOpStream) Stop(err error) {
	s.drop()
	s.OpStream.Stop(err)
}

func (s *BatchedOpStream) drop() {
	s.lock.Lock()
	s.closed = true
	dropped := len(s.ingress.ops)
	s.ingress.reset()
	s.lock.Unlock()
	if dropped > 0 {
		s.log.Debug("opstream: ingress dropped", "ops", dropped)
	}
}

func (s *BatchedOpStream) tick() {
	if s.Ended() {
		return
	}
	if s.advance(false) {
		s.process()
	}
}

// advance emits the egress of the drained generation and promotes the
// ingress, if any. An inline advance under slow-down defers the
// promotion by the pause instead.
func (s *BatchedOpStream) advance(inline bool) (promoted bool) {
	if s.advancing {
		s.Stop(errors.Wrapf(ErrStateMachine, "reentrant advance in gen %d", s.gen))
		return false
	}
	s.advancing = true
	defer func() { s.advancing = false }()

	s.lock.Lock()
	live := s.live
	s.lock.Unlock()
	if live {
		if s.cursor < len(s.processed.ops) {
			s.Stop(errors.Wrapf(ErrStateMachine, "gen %d has %d ops left", s.gen, len(s.processed.ops)-s.cursor))
			return false
		}
		if len(s.egress.ops) > 0 && !s.Ended() {
			s.EmitAll(s.egress.ops)
		}
		s.processed.reset()
		s.egress.reset()
		s.cursor = 0
	}
	if s.Ended() {
		return false
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.live = false
	if len(s.ingress.ops) == 0 {
		s.scheduled = false
		return false
	}
	if pause := s.Pause(); inline && pause > 0 {
		s.scheduled = true
		s.sched.PostAfter(pause, s.tick)
		return false
	}
	s.scheduled = false
	s.ingress, s.processed, s.egress = s.egress, s.ingress, s.processed
	s.gen++
	s.processed.gen, s.egress.gen = s.gen, s.gen
	s.cursor = 0
	s.live = true
	return true
}

type completion struct {
	lock   sync.Mutex
	inHook bool
	done   bool
	err    error
}

// process runs the live generation op by op. Synchronous completions
// continue inline up to the inline limit, then the stream yields.
func (s *BatchedOpStream) process() {
	if s.running || s.pending != nil {
		s.Stop(errors.Wrapf(ErrStateMachine, "reentrant processing of gen %d", s.gen))
		return
	}
	s.running = true
	defer func() { s.running = false }()

	for steps := 0; !s.Ended(); steps++ {
		if s.cursor == len(s.processed.ops) {
			if !s.advance(true) {
				return
			}
			continue
		}
		if steps >= s.inlineLimit {
			s.sched.Post(s.resume)
			return
		}

		op := s.processed.ops[s.cursor]
		s.processed.ops[s.cursor] = protocol.Op{}
		s.cursor++

		c := &completion{inHook: true}
		egress := s.egress
		var task *Task
		task = &Task{
			op:  op,
			gen: s.gen,
			emit: func(ops []protocol.Op) {
				egress.ops = append(egress.ops, ops...)
			},
			finish: func(err error) {
				c.lock.Lock()
				if c.inHook {
					c.done, c.err = true, err
					c.lock.Unlock()
					return
				}
				c.lock.Unlock()
				s.sched.Post(func() { s.complete(task, err) })
			},
			stray: s.strayCompletion,
		}
		s.proc.ProcessOp(task)

		c.lock.Lock()
		c.inHook = false
		done, err := c.done, c.err
		c.lock.Unlock()
		if !done {
			s.pending = task
			return
		}
		if err != nil {
			s.fail(task, err)
			return
		}
	}
}

func (s *BatchedOpStream) resume() {
	s.lock.Lock()
	live := s.live
	s.lock.Unlock()
	if live && s.pending == nil {
		s.process()
	}
}

func (s *BatchedOpStream) complete(task *Task, err error) {
	if s.Ended() {
		return
	}
	if s.pending != task {
		s.strayCompletion(task)
		return
	}
	s.pending = nil
	if err != nil {
		s.fail(task, err)
		return
	}
	s.process()
}

func (s *BatchedOpStream) fail(task *Task, err error) {
	s.Stop(fmt.Errorf("%w: gen %d op %s: %w", ErrProcessing, task.Gen(), task.Op().String(), err))
}

func (s *BatchedOpStream) strayCompletion(task *Task) {
	InvalidCompletions.WithLabelValues(s.name).Inc()
	s.log.Warn("opstream: completion without a batch in flight",
		"err", ErrInvalidCompletion, "gen", task.Gen(), "op", task.Op().String())
}
