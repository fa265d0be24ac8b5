package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[swarm] feed/drain queue is closed")
var ErrOverflow = errors.New("[swarm] feed/drain queue is overflowed")

// FDQueue is a byte-bounded record queue between producers that Offer
// to it and one consumer that Feeds from it, e.g. a connection writer.
// An Offer that does not fit overflows the queue for good; the owner is
// expected to drop the connection then.
type FDQueue[T ~[][]byte] struct {
	lock       sync.Mutex
	data       T
	size       int
	maxSize    int
	batchSize  int
	timelimit  time.Duration
	closed     bool
	overflowed bool
	// closed and replaced on every change
	changed chan struct{}
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		changed:   make(chan struct{}),
	}
}

// notify wakes every waiter, must be called with the lock held
func (q *FDQueue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.data, q.size = nil, 0
		q.notify()
	}
	return nil
}

// Size is the number of bytes queued.
func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Fill is the queued share of the limit, 0..1.
func (q *FDQueue[T]) Fill() float64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.maxSize <= 0 {
		return 0
	}
	return float64(q.size) / float64(q.maxSize)
}

func (q *FDQueue[T]) state() error {
	switch {
	case q.closed:
		return ErrClosed
	case q.overflowed:
		return ErrOverflow
	}
	return nil
}

// Offer appends all the records or none; the latter overflows the
// queue. It never waits.
func (q *FDQueue[T]) Offer(recs T) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if err := q.state(); err != nil {
		return err
	}
	var total int
	for _, rec := range recs {
		total += len(rec)
	}
	if q.size > 0 && q.size+total > q.maxSize {
		q.overflowed = true
		q.notify()
		return ErrOverflow
	}
	if len(recs) > 0 {
		q.data = append(q.data, recs...)
		q.size += total
		q.notify()
	}
	return nil
}

// Feed takes up to batchSize bytes of records, at least one record.
// It returns empty handed once the time limit passes or ctx is done.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	for {
		q.lock.Lock()
		if err = q.state(); err != nil {
			q.lock.Unlock()
			return nil, err
		}
		if len(q.data) > 0 {
			n, bytes := 0, 0
			for n < len(q.data) && (n == 0 || bytes+len(q.data[n]) <= q.batchSize) {
				bytes += len(q.data[n])
				n++
			}
			recs = make(T, n)
			copy(recs, q.data[:n])
			clear(q.data[:n])
			q.data = q.data[n:]
			q.size -= bytes
			q.notify()
			q.lock.Unlock()
			return recs, nil
		}
		changed := q.changed
		q.lock.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		}
	}
}
