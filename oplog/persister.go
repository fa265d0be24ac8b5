package oplog

import (
	"github.com/stefantrew2/swarm/opstream"
)

// Persister is a stream processor that writes ops to the store off the
// stream's scheduler. Ops already stored are dropped, fresh ones are
// passed on once written.
type Persister struct {
	store *Store
}

func NewPersister(store *Store) *Persister {
	return &Persister{store: store}
}

func (p *Persister) ProcessOp(task *opstream.Task) {
	go func() {
		op := task.Op()
		has, err := p.store.Has(op)
		if err == nil && !has {
			if err = p.store.Put(op); err == nil {
				_ = task.Emit(op)
			}
		}
		task.Done(err)
	}()
}
