// Package opstream moves batches of ops through chains of streams.
//
// An OpStream is the base: it has a name and a trace id, emits batches
// to its drainers synchronously, ends once, and relays slow-down
// signals to the streams feeding it. BatchedOpStream adds the batch
// state machine on top: ops offered within one synchronous span form a
// generation that is processed op by op on the stream's Scheduler and
// emitted as one unit.
//
//	ingress := NewBatchedOpStream(dedup, &NameOpt{Name: "ingress"}, &SchedulerOpt{Scheduler: loop})
//	store := NewBatchedOpStream(persister, &NameOpt{Name: "store"}, &SchedulerOpt{Scheduler: loop})
//	Pipe(ingress, store)
//	store.AddDrainer(broadcast)
package opstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

const (
	DefaultSlowDownStep = 10 * time.Millisecond
	DefaultMaxPause     = time.Second
	DefaultInlineLimit  = 100
)

// OpDrainer receives emitted batches. The slice is only valid for the
// duration of the call.
type OpDrainer interface {
	DrainOps(ops []protocol.Op) error
}

// DrainerFunc adapts a function to OpDrainer.
type DrainerFunc func(ops []protocol.Op) error

func (f DrainerFunc) DrainOps(ops []protocol.Op) error {
	return f(ops)
}

// SlowDowner accepts a backpressure level; 0 means full speed.
type SlowDowner interface {
	SlowDown(level int)
}

// Stream is what Pipe connects.
type Stream interface {
	OpDrainer
	SlowDowner
	AddDrainer(d OpDrainer) (remove func())
	AddUpstream(up SlowDowner)
	OnEnd(fn func(err error))
	End()
}

type StreamOpt interface {
	Apply(*OpStream)
}

type NameOpt struct {
	Name string
}

func (opt *NameOpt) Apply(s *OpStream) {
	s.name = opt.Name
}

type LoggerOpt struct {
	Logger utils.Logger
}

func (opt *LoggerOpt) Apply(s *OpStream) {
	s.log = opt.Logger
}

type SchedulerOpt struct {
	Scheduler Scheduler
}

func (opt *SchedulerOpt) Apply(s *OpStream) {
	s.sched = opt.Scheduler
}

type SlowDownOpt struct {
	Step     time.Duration
	MaxPause time.Duration
}

func (opt *SlowDownOpt) Apply(s *OpStream) {
	if opt.Step > 0 {
		s.slowDownStep = opt.Step
	}
	if opt.MaxPause > 0 {
		s.maxPause = opt.MaxPause
	}
}

type InlineLimitOpt struct {
	Limit int
}

func (opt *InlineLimitOpt) Apply(s *OpStream) {
	if opt.Limit > 0 {
		s.inlineLimit = opt.Limit
	}
}

type drainerEntry struct {
	id      uint64
	drainer OpDrainer
}

// OpStream is the base stream. Used on its own it is a synchronous
// relay: whatever it drains it emits.
type OpStream struct {
	traceId      string
	name         string
	log          utils.Logger
	sched        Scheduler
	ownLoop      *Loop
	slowDownStep time.Duration
	maxPause     time.Duration
	inlineLimit  int

	lock      sync.Mutex
	drainers  []drainerEntry
	lastId    uint64
	upstreams []SlowDowner
	onEnd     []func(err error)
	err       error

	ended atomic.Bool
	level atomic.Int32
	pause atomic.Int64
}

func NewOpStream(opts ...StreamOpt) *OpStream {
	s := &OpStream{
		traceId:      uuid.Must(uuid.NewV7()).String(),
		name:         "opstream",
		slowDownStep: DefaultSlowDownStep,
		maxPause:     DefaultMaxPause,
		inlineLimit:  DefaultInlineLimit,
	}
	for _, o := range opts {
		o.Apply(s)
	}
	if s.log == nil {
		s.log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	s.log = s.log.With("stream", s.name, "trace_id", s.traceId)
	if s.sched == nil {
		s.ownLoop = NewLoop()
		s.sched = s.ownLoop
		go s.ownLoop.Run(context.Background())
	}
	return s
}

func (s *OpStream) GetTraceId() string {
	return s.traceId
}

func (s *OpStream) Name() string {
	return s.name
}

func (s *OpStream) Logger() utils.Logger {
	return s.log
}

func (s *OpStream) Scheduler() Scheduler {
	return s.sched
}

// AddDrainer subscribes d to the emitted batches.
func (s *OpStream) AddDrainer(d OpDrainer) (remove func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastId++
	id := s.lastId
	s.drainers = append(s.drainers, drainerEntry{id: id, drainer: d})
	return func() { s.removeDrainer(id) }
}

func (s *OpStream) removeDrainer(id uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, e := range s.drainers {
		if e.id == id {
			s.drainers = append(s.drainers[:i:i], s.drainers[i+1:]...)
			return
		}
	}
}

func (s *OpStream) DrainerCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.drainers)
}

// DrainOps relays the batch as is.
func (s *OpStream) DrainOps(ops []protocol.Op) error {
	if s.Ended() {
		return ErrStreamClosed
	}
	s.EmitAll(ops)
	return nil
}

// EmitAll hands one batch to every drainer, in one synchronous pass.
// A drainer that fails is dropped.
func (s *OpStream) EmitAll(ops []protocol.Op) {
	if len(ops) == 0 || s.Ended() {
		return
	}
	s.lock.Lock()
	drainers := s.drainers
	s.lock.Unlock()

	for _, e := range drainers {
		if err := e.drainer.DrainOps(ops); err != nil {
			s.log.Warn("opstream: drainer failed, removed", "err", err)
			s.removeDrainer(e.id)
		}
	}
	OpsEmitted.WithLabelValues(s.name).Add(float64(len(ops)))
	BatchesEmitted.WithLabelValues(s.name).Inc()
	BatchSize.WithLabelValues(s.name).Observe(float64(len(ops)))
}

// AddUpstream registers a stream that feeds this one; slow-down
// signals are relayed to it.
func (s *OpStream) AddUpstream(up SlowDowner) {
	s.lock.Lock()
	s.upstreams = append(s.upstreams, up)
	s.lock.Unlock()
	if level := s.Level(); level > 0 {
		up.SlowDown(level)
	}
}

// SlowDown sets the pause before the next batch to level steps, capped
// by the max pause, and relays the level upstream. Level 0 clears it.
func (s *OpStream) SlowDown(level int) {
	if level < 0 {
		level = 0
	}
	if int(s.level.Swap(int32(level))) == level {
		return
	}
	pause := min(time.Duration(level)*s.slowDownStep, s.maxPause)
	s.pause.Store(int64(pause))
	PauseSeconds.WithLabelValues(s.name).Set(pause.Seconds())
	s.log.Debug("opstream: slow down", "level", level, "pause", pause)

	s.lock.Lock()
	upstreams := s.upstreams
	s.lock.Unlock()
	for _, up := range upstreams {
		up.SlowDown(level)
	}
}

func (s *OpStream) Level() int {
	return int(s.level.Load())
}

// Pause is the current delay before a batch is scheduled.
func (s *OpStream) Pause() time.Duration {
	return time.Duration(s.pause.Load())
}

// OnEnd registers fn to run once the stream ends or stops; fn runs
// right away if that already happened.
func (s *OpStream) OnEnd(fn func(err error)) {
	s.lock.Lock()
	if s.ended.Load() {
		err := s.err
		s.lock.Unlock()
		fn(err)
		return
	}
	s.onEnd = append(s.onEnd, fn)
	s.lock.Unlock()
}

func (s *OpStream) Ended() bool {
	return s.ended.Load()
}

// Err is the error the stream was stopped with, nil if it is running
// or ended normally.
func (s *OpStream) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// End terminates the stream normally.
func (s *OpStream) End() {
	s.finish(nil)
}

// Stop terminates the stream with an error.
func (s *OpStream) Stop(err error) {
	s.finish(err)
}

func (s *OpStream) finish(err error) {
	s.lock.Lock()
	if s.ended.Load() {
		s.lock.Unlock()
		return
	}
	s.ended.Store(true)
	s.err = err
	callbacks := s.onEnd
	s.onEnd = nil
	s.drainers = nil
	s.lock.Unlock()

	reason := "end"
	switch {
	case errors.Is(err, ErrStateMachine):
		reason = "state_machine"
		s.log.Error("opstream: stopped", "err", err)
	case err != nil:
		reason = "error"
		s.log.Error("opstream: stopped", "err", err)
	default:
		s.log.Debug("opstream: ended")
	}
	Stops.WithLabelValues(s.name, reason).Inc()

	for _, fn := range callbacks {
		fn(err)
	}
	if s.ownLoop != nil {
		s.ownLoop.Close()
	}
}

// Pipe makes to drain from, relays slow-down from to to from, and
// ends to when from ends.
func Pipe(from, to Stream) {
	remove := from.AddDrainer(to)
	to.AddUpstream(from)
	from.OnEnd(func(error) { to.End() })
	to.OnEnd(func(error) { remove() })
}
