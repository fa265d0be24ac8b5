package opstream

import (
	"fmt"
	"slices"
	"sync"

	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

func testOps(from, n int, origin string) (ops []protocol.Op) {
	for i := from; i < from+n; i++ {
		ops = append(ops, protocol.NewOp(
			protocol.NewUID("lww", ""),
			protocol.NewUID("obj", "o"),
			protocol.NewUID(fmt.Sprintf("ev%d", i), origin),
			protocol.NewUID("k", ""),
			protocol.NumberValue(float64(i)),
		))
	}
	return
}

// recorder keeps a copy of every emitted batch.
type recorder struct {
	lock    sync.Mutex
	batches [][]protocol.Op
}

func (r *recorder) DrainOps(ops []protocol.Op) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.batches = append(r.batches, slices.Clone(ops))
	return nil
}

func (r *recorder) Batches() [][]protocol.Op {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.batches)
}

func (r *recorder) Strings() (out [][]string) {
	for _, b := range r.Batches() {
		var strs []string
		for _, op := range b {
			strs = append(strs, op.String())
		}
		out = append(out, strs)
	}
	return
}

func opStrings(ops []protocol.Op) (strs []string) {
	for _, op := range ops {
		strs = append(strs, op.String())
	}
	return
}

// holder keeps tasks open until the test completes them.
type holder struct {
	lock  sync.Mutex
	tasks []*Task
}

func (h *holder) ProcessOp(task *Task) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.tasks = append(h.tasks, task)
}

func (h *holder) take() *Task {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.tasks) == 0 {
		return nil
	}
	t := h.tasks[0]
	h.tasks = h.tasks[1:]
	return t
}

func newTestStream(name string, proc Processor, loop Scheduler, opts ...StreamOpt) *BatchedOpStream {
	opts = append([]StreamOpt{
		&NameOpt{Name: name},
		&LoggerOpt{Logger: utils.NewDiscardLogger()},
		&SchedulerOpt{Scheduler: loop},
	}, opts...)
	return NewBatchedOpStream(proc, opts...)
}
