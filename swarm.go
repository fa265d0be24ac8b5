// Package swarm is a replica host: it takes ops from local writers and
// from peer sessions, drops the ones it has seen, stores the rest and
// relays them to every other peer.
//
//	sessions, Submit -> ingress (origin filter, dedupe) -> persist -> broadcast
//
// A Host is an explicit object; nothing in the module looks one up
// globally.
package swarm

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stefantrew2/swarm/config"
	"github.com/stefantrew2/swarm/network"
	"github.com/stefantrew2/swarm/oplog"
	"github.com/stefantrew2/swarm/opstream"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

var ErrClosed = errors.New("swarm: the host is closed")

type Options struct {
	Logger utils.Logger
	// Dir of the op log, none if empty.
	Dir  string
	Sync bool

	SlowDownStep time.Duration
	MaxPause     time.Duration
	InlineLimit  int
	DedupWindow  int

	// outbound queue of every session
	QueueLimit     int
	QueueTimeLimit time.Duration
	QueueBatchSize int

	NetOpts []network.NetOpt
	// Scheduler runs the pipeline; the host starts its own loop if nil.
	Scheduler opstream.Scheduler
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.SlowDownStep == 0 {
		o.SlowDownStep = opstream.DefaultSlowDownStep
	}
	if o.MaxPause == 0 {
		o.MaxPause = opstream.DefaultMaxPause
	}
	if o.InlineLimit == 0 {
		o.InlineLimit = opstream.DefaultInlineLimit
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = opstream.DefaultDedupWindow
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 20
	}
	if o.QueueTimeLimit == 0 {
		o.QueueTimeLimit = 5 * time.Second
	}
	if o.QueueBatchSize == 0 {
		o.QueueBatchSize = 1 << 14
	}
}

// OptionsFromConfig maps the config file onto host options.
func OptionsFromConfig(cfg *config.Config, log utils.Logger) Options {
	return Options{
		Logger:         log,
		Dir:            cfg.Store.Dir,
		Sync:           cfg.Store.Sync,
		SlowDownStep:   cfg.Stream.SlowDownStep,
		MaxPause:       cfg.Stream.MaxPause,
		InlineLimit:    cfg.Stream.InlineLimit,
		DedupWindow:    cfg.Stream.DedupWindow,
		QueueLimit:     cfg.Queue.Limit,
		QueueTimeLimit: cfg.Queue.TimeLimit,
		QueueBatchSize: cfg.Queue.BatchSize,
		NetOpts: []network.NetOpt{
			&network.NetWriteTimeoutOpt{Timeout: cfg.Net.WriteTimeout},
		},
	}
}

type Host struct {
	opts  Options
	log   utils.Logger
	loop  *opstream.Loop
	sched opstream.Scheduler
	store *oplog.Store

	filter  *opstream.OriginFilter
	ingress *opstream.BatchedOpStream
	// the last stage, ingress itself when there is no store
	tail *opstream.BatchedOpStream

	sessions *xsync.MapOf[string, *Session]
	net      *network.Net
}

func Open(opts Options) (host *Host, err error) {
	opts.SetDefaults()
	host = &Host{
		opts:     opts,
		log:      opts.Logger,
		sched:    opts.Scheduler,
		filter:   opstream.NewOriginFilter(),
		sessions: xsync.NewMapOf[string, *Session](),
	}
	if opts.Dir != "" {
		host.store, err = oplog.Open(opts.Dir, oplog.Options{Sync: opts.Sync, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
	}
	dedupe, err := opstream.NewDeduplicator(opts.DedupWindow)
	if err != nil {
		if host.store != nil {
			_ = host.store.Close()
		}
		return nil, err
	}
	if host.sched == nil {
		host.loop = opstream.NewLoop()
		host.sched = host.loop
		go func() { _ = host.loop.Run(context.Background()) }()
	}

	host.ingress = opstream.NewBatchedOpStream(opstream.Chain(host.filter, dedupe), host.streamOpts("ingress")...)
	host.tail = host.ingress
	if host.store != nil {
		persist := opstream.NewBatchedOpStream(oplog.NewPersister(host.store), host.streamOpts("persist")...)
		opstream.Pipe(host.ingress, persist)
		host.tail = persist
	}
	host.tail.AddDrainer(opstream.DrainerFunc(host.broadcast))
	host.tail.OnEnd(func(err error) {
		if err != nil {
			host.log.Error("host: pipeline stopped", "err", err)
		}
	})

	host.net = network.NewNet(host.log, host.install, host.destroy, opts.NetOpts...)
	return host, nil
}

func (h *Host) streamOpts(name string) []opstream.StreamOpt {
	return []opstream.StreamOpt{
		&opstream.NameOpt{Name: name},
		&opstream.LoggerOpt{Logger: h.log},
		&opstream.SchedulerOpt{Scheduler: h.sched},
		&opstream.SlowDownOpt{Step: h.opts.SlowDownStep, MaxPause: h.opts.MaxPause},
		&opstream.InlineLimitOpt{Limit: h.opts.InlineLimit},
	}
}

// Submit feeds local ops into the pipeline as one batch.
func (h *Host) Submit(ops ...protocol.Op) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	if err := h.ingress.OfferAll(ops...); err != nil {
		return ErrClosed
	}
	return nil
}

// Watch adds a local listener of the ops that made it through the
// pipeline.
func (h *Host) Watch(d opstream.OpDrainer) (remove func()) {
	return h.tail.AddDrainer(d)
}

func (h *Host) Store() *oplog.Store {
	return h.store
}

func (h *Host) Block(origin string) {
	h.filter.Block(origin)
}

func (h *Host) Unblock(origin string) {
	h.filter.Unblock(origin)
}

func (h *Host) Blocked() []string {
	blocked := h.filter.Blocked()
	slices.Sort(blocked)
	return blocked
}

// Level is the current slow-down level of the pipeline.
func (h *Host) Level() int {
	return h.tail.Level()
}

func (h *Host) Listen(addr string) error {
	return h.net.Listen(addr)
}

func (h *Host) Unlisten(addr string) error {
	return h.net.Unlisten(addr)
}

func (h *Host) Connect(addr string) error {
	return h.net.Connect(addr)
}

func (h *Host) Disconnect(name string) error {
	return h.net.Disconnect(name)
}

// Net exposes the transport, e.g. for listener addresses and stats.
func (h *Host) Net() *network.Net {
	return h.net
}

// Sessions lists the names of live sessions.
func (h *Host) Sessions() (names []string) {
	h.sessions.Range(func(name string, _ *Session) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return
}

func (h *Host) install(name string) protocol.FeedDrainCloserTraced {
	s := newSession(h, name)
	if _, replaced := h.sessions.LoadAndStore(name, s); !replaced {
		SessionsOpen.Inc()
	}
	s.log.Info("host: session open")
	return s
}

// destroy forgets the session unless a newer one took its name.
func (h *Host) destroy(name string, t protocol.Traced) {
	removed := false
	h.sessions.Compute(name, func(old *Session, loaded bool) (*Session, bool) {
		removed = loaded && old.GetTraceId() == t.GetTraceId()
		return old, !loaded || removed
	})
	if !removed {
		return
	}
	SessionsOpen.Dec()
	h.log.Info("host: session closed", "name", name, "trace_id", t.GetTraceId())
}

// broadcast relays one emitted batch to the sessions and turns the
// fill of the fullest outbound queue into a slow-down level.
func (h *Host) broadcast(ops []protocol.Op) error {
	fullest := 0.0
	h.sessions.Range(func(name string, s *Session) bool {
		fill, err := s.send(ops)
		if err != nil {
			s.log.Warn("host: session can not keep up", "err", err)
			return true
		}
		fullest = max(fullest, fill)
		return true
	})
	h.tail.SlowDown(SlowDownLevel(fullest))
	return nil
}

// SlowDownLevel maps a queue fill to a level: none below a half, then
// one more level per 5%.
func SlowDownLevel(fill float64) int {
	if fill < 0.5 {
		return 0
	}
	return int((fill-0.5)*20) + 1
}

// RegisterMetrics adds the metrics of every layer to reg.
func (h *Host) RegisterMetrics(reg prometheus.Registerer) error {
	if err := opstream.RegisterMetrics(reg); err != nil {
		return err
	}
	if err := network.RegisterMetrics(reg); err != nil {
		return err
	}
	if err := reg.Register(SessionsOpen); err != nil {
		return err
	}
	if err := reg.Register(FramesRejected); err != nil {
		return err
	}
	if h.store != nil {
		return reg.Register(oplog.NewCollector(h.store))
	}
	return nil
}

func (h *Host) Close() error {
	err := h.net.Close()
	h.ingress.End()
	h.tail.End()
	if h.loop != nil {
		_ = h.loop.Close()
	}
	if h.store != nil {
		err = errors.Join(err, h.store.Close())
	}
	h.log.Info("host: closed")
	return err
}
