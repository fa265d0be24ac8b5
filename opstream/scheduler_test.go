package opstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- loop.Run(ctx) }()

	var order []int
	assert.True(t, loop.Do(func() {
		for i := 0; i < 3; i++ {
			i := i
			loop.Post(func() { order = append(order, i) })
		}
	}))
	fired := make(chan time.Time, 1)
	start := time.Now()
	loop.PostAfter(20*time.Millisecond, func() { fired <- time.Now() })
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.True(t, loop.Do(func() {}))
	assert.Equal(t, []int{0, 1, 2}, order)

	cancel()
	assert.Equal(t, context.Canceled, <-stopped)

	assert.Nil(t, loop.Close())
	assert.False(t, loop.Do(func() {}))
}

func TestManualLoop(t *testing.T) {
	loop := NewManualLoop()
	var trace []string
	loop.PostAfter(30*time.Millisecond, func() { trace = append(trace, "c") })
	loop.PostAfter(10*time.Millisecond, func() {
		trace = append(trace, "a")
		loop.Post(func() { trace = append(trace, "a'") })
	})
	loop.PostAfter(10*time.Millisecond, func() { trace = append(trace, "b") })
	loop.Post(func() {
		trace = append(trace, "now")
		loop.Post(func() { trace = append(trace, "next") })
	})

	assert.Equal(t, 1, loop.RunPending())
	assert.Equal(t, []string{"now"}, trace)
	ready, timers := loop.Pending()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 3, timers)

	loop.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"now", "next", "a", "a'", "b"}, trace)
	assert.Equal(t, 20*time.Millisecond, loop.Now())

	loop.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"now", "next", "a", "a'", "b", "c"}, trace)
	assert.Equal(t, 0, loop.RunUntilIdle())
}
