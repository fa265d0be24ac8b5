package opstream

import (
	"github.com/cespare/xxhash"
	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stefantrew2/swarm/protocol"
)

const DefaultDedupWindow = 1 << 16

// Deduplicator drops ops seen recently. Ops are keyed by the digest
// of their canonical text; the window is an LRU of digests.
type Deduplicator struct {
	seen *lru.Cache[uint64, struct{}]
}

func NewDeduplicator(window int) (*Deduplicator, error) {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	cache, err := lru.New[uint64, struct{}](window)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{seen: cache}, nil
}

func OpDigest(op protocol.Op) uint64 {
	return xxhash.Sum64String(op.String())
}

// Seen records the op, tells whether it was there already.
func (d *Deduplicator) Seen(op protocol.Op) bool {
	seen, _ := d.seen.ContainsOrAdd(OpDigest(op), struct{}{})
	return seen
}

func (d *Deduplicator) ProcessOp(task *Task) {
	if !d.Seen(task.Op()) {
		_ = task.Emit(task.Op())
	}
	task.Done(nil)
}

// OriginFilter drops ops whose event was minted by a blocked origin.
type OriginFilter struct {
	blocked mapset.Set[string]
}

func NewOriginFilter(blocked ...string) *OriginFilter {
	return &OriginFilter{blocked: mapset.NewSet[string](blocked...)}
}

func (f *OriginFilter) Block(origin string) {
	f.blocked.Add(origin)
}

func (f *OriginFilter) Unblock(origin string) {
	f.blocked.Remove(origin)
}

func (f *OriginFilter) Blocked() []string {
	return f.blocked.ToSlice()
}

func (f *OriginFilter) ProcessOp(task *Task) {
	if !f.blocked.Contains(task.Op().EventUID().Origin()) {
		_ = task.Emit(task.Op())
	}
	task.Done(nil)
}

type chain []Processor

// Chain runs every op through the processors in turn; the ops one
// stage emits are the input of the next.
func Chain(procs ...Processor) Processor {
	if len(procs) == 1 {
		return procs[0]
	}
	return chain(procs)
}

func (c chain) ProcessOp(task *Task) {
	c.stage(0, []protocol.Op{task.Op()}, task)
}

func (c chain) stage(i int, in []protocol.Op, task *Task) {
	if i == len(c) {
		_ = task.Emit(in...)
		task.Done(nil)
		return
	}
	var out []protocol.Op
	var step func(j int)
	step = func(j int) {
		if j == len(in) {
			c.stage(i+1, out, task)
			return
		}
		sub := task.sub(in[j],
			func(ops []protocol.Op) { out = append(out, ops...) },
			func(err error) {
				if err != nil {
					task.Done(err)
					return
				}
				step(j + 1)
			})
		c[i].ProcessOp(sub)
	}
	step(0)
}
