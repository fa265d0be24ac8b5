package opstream

import (
	"sync"

	"github.com/stefantrew2/swarm/protocol"
)

// Task is the processing of one op. A processor emits any number of ops
// through it and calls Done exactly once, from any goroutine.
type Task struct {
	op     protocol.Op
	gen    uint64
	emit   func(ops []protocol.Op)
	finish func(err error)
	stray  func(t *Task)

	lock sync.Mutex
	done bool
}

// newTask makes a free-standing task, e.g. to drive a processor
// outside of a stream.
func newTask(op protocol.Op, emit func(ops []protocol.Op), finish func(err error)) *Task {
	return &Task{op: op, emit: emit, finish: finish}
}

func (t *Task) Op() protocol.Op {
	return t.op
}

// Gen is the generation of the batch the op belongs to.
func (t *Task) Gen() uint64 {
	return t.gen
}

// Emit appends ops to the batch egress.
func (t *Task) Emit(ops ...protocol.Op) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.done {
		return ErrInvalidCompletion
	}
	if len(ops) > 0 {
		t.emit(ops)
	}
	return nil
}

// Done completes the task; a non-nil error stops the stream.
func (t *Task) Done(err error) {
	t.lock.Lock()
	if t.done {
		t.lock.Unlock()
		if t.stray != nil {
			t.stray(t)
		}
		return
	}
	t.done = true
	t.lock.Unlock()
	t.finish(err)
}

// sub makes a task for an intermediate op of the same batch.
func (t *Task) sub(op protocol.Op, emit func(ops []protocol.Op), finish func(err error)) *Task {
	return &Task{op: op, gen: t.gen, emit: emit, finish: finish, stray: t.stray}
}
