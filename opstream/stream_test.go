package opstream

import (
	"errors"
	"testing"

	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
	"github.com/stretchr/testify/assert"
)

func TestOpStream_Emit(t *testing.T) {
	loop := NewManualLoop()
	s := NewOpStream(&NameOpt{Name: "relay"}, &LoggerOpt{Logger: utils.NewDiscardLogger()}, &SchedulerOpt{Scheduler: loop})
	assert.NotEmpty(t, s.GetTraceId())
	assert.Equal(t, "relay", s.Name())

	good := &recorder{}
	s.AddDrainer(good)
	failures := 0
	s.AddDrainer(DrainerFunc(func(ops []protocol.Op) error {
		failures++
		return errors.New("gone")
	}))
	remove := s.AddDrainer(&recorder{})
	remove()
	assert.Equal(t, 2, s.DrainerCount())

	ops := testOps(0, 2, "A")
	assert.Nil(t, s.DrainOps(ops))
	assert.Nil(t, s.DrainOps(ops))
	assert.Equal(t, 1, failures, "a failed drainer is removed")
	assert.Equal(t, 1, s.DrainerCount())
	assert.Equal(t, 2, len(good.Batches()))

	s.EmitAll(nil)
	assert.Equal(t, 2, len(good.Batches()))
}

func TestOpStream_End(t *testing.T) {
	loop := NewManualLoop()
	s := NewOpStream(&LoggerOpt{Logger: utils.NewDiscardLogger()}, &SchedulerOpt{Scheduler: loop})
	calls := 0
	s.OnEnd(func(err error) {
		calls++
		assert.Nil(t, err)
	})
	s.End()
	s.End()
	s.Stop(errors.New("late"))
	assert.Equal(t, 1, calls)
	assert.Nil(t, s.Err())

	late := false
	s.OnEnd(func(err error) { late = true })
	assert.True(t, late)
	assert.Equal(t, ErrStreamClosed, s.DrainOps(testOps(0, 1, "A")))
}

func TestPipe(t *testing.T) {
	loop := NewManualLoop()
	log := &LoggerOpt{Logger: utils.NewDiscardLogger()}
	src := NewOpStream(&NameOpt{Name: "pipe-src"}, log, &SchedulerOpt{Scheduler: loop})
	mid := newTestStream("pipe-mid", nil, loop)
	dst := newTestStream("pipe-dst", nil, loop)
	Pipe(src, mid)
	Pipe(mid, dst)
	rec := &recorder{}
	dst.AddDrainer(rec)

	ops := testOps(0, 3, "A")
	assert.Nil(t, src.DrainOps(ops))
	loop.RunUntilIdle()
	assert.Equal(t, [][]string{opStrings(ops)}, rec.Strings())

	dst.SlowDown(3)
	assert.Equal(t, 3, src.Level())
	assert.Equal(t, 3*DefaultSlowDownStep, src.Pause())

	// a late upstream picks up the current level
	extra := NewOpStream(log, &SchedulerOpt{Scheduler: loop})
	dst.AddUpstream(extra)
	assert.Equal(t, 3, extra.Level())

	mid.End()
	assert.True(t, dst.Ended())
	assert.False(t, src.Ended())
	assert.Equal(t, 0, src.DrainerCount())
}
