package utils

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type records [][]byte

func TestFDQueue_Ordering(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewFDQueue[records](N*K*8, time.Second, 128)
	ctx := context.Background()

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				assert.Nil(t, queue.Offer(records{b[:]}))
			}
		}(k)
	}

	check := [K]int{}
	for i := 0; i < N*K; {
		nums, err := queue.Feed(ctx)
		assert.Nil(t, err)
		assert.LessOrEqual(t, len(nums)*8, 128)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}
	wg.Wait()
	assert.Equal(t, 0, queue.Size())

	assert.Nil(t, queue.Close())
	assert.Equal(t, ErrClosed, queue.Offer(records{{'a'}}))
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrClosed, err)
}

func TestFDQueue_Overflow(t *testing.T) {
	queue := NewFDQueue[records](4, 10*time.Millisecond, 4)
	ctx := context.Background()

	assert.Nil(t, queue.Offer(records{[]byte("ab"), []byte("cd")}))
	assert.Equal(t, 1.0, queue.Fill())
	assert.Equal(t, ErrOverflow, queue.Offer(records{[]byte("e")}))
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrOverflow, err)
}

func TestFDQueue_Feed(t *testing.T) {
	queue := NewFDQueue[records](16, 10*time.Millisecond, 4)
	ctx := context.Background()

	// nothing queued, the feed times out empty
	recs, err := queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Empty(t, recs)

	// a record larger than the batch feeds alone
	assert.Nil(t, queue.Offer(records{[]byte("0123456789"), []byte("ab")}))
	recs, err = queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, records{[]byte("0123456789")}, recs)
	recs, err = queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, records{[]byte("ab")}, recs)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	recs, err = queue.Feed(canceled)
	assert.Nil(t, err)
	assert.Empty(t, recs)
}

func TestAvgVal(t *testing.T) {
	var avg AvgVal
	assert.Equal(t, 0.0, avg.Val())
	avg.Add(2)
	avg.Add(4)
	avg.Add(6)
	assert.Equal(t, 4.0, avg.Val())
}

func TestFDQueue_Offer(t *testing.T) {
	queue := NewFDQueue[records](4, time.Second, 4)

	assert.Nil(t, queue.Offer(records{[]byte("abc")}))
	assert.Equal(t, 3, queue.Size())
	assert.Equal(t, ErrOverflow, queue.Offer(records{[]byte("de")}))
	assert.Equal(t, ErrOverflow, queue.Offer(records{[]byte("f")}))

	queue = NewFDQueue[records](4, time.Second, 4)
	// an empty queue takes anything
	assert.Nil(t, queue.Offer(records{[]byte("abcdef")}))
	recs, err := queue.Feed(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, records{[]byte("abcdef")}, recs)
	assert.Nil(t, queue.Close())
	assert.Equal(t, ErrClosed, queue.Offer(records{[]byte("g")}))
}
