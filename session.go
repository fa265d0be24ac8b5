package swarm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stefantrew2/swarm/opstream"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

// Session is the host's side of one peer connection. Inbound lines are
// decoded against the running context of the connection and offered to
// the host; outbound ops are abbreviated the same way and queued for
// the connection writer.
type Session struct {
	name    string
	traceId string
	host    *Host
	log     utils.Logger

	// Drain is called by one reader goroutine
	dec protocol.Decoder

	encLock  sync.Mutex
	enc      protocol.Encoder
	outbound *utils.FDQueue[protocol.Records]
	failed   atomic.Bool

	// digests of the ops this peer sent, not to be echoed back
	received *lru.Cache[uint64, struct{}]
}

func newSession(host *Host, name string) *Session {
	received, _ := lru.New[uint64, struct{}](host.opts.DedupWindow)
	s := &Session{
		name:     name,
		traceId:  uuid.Must(uuid.NewV7()).String(),
		host:     host,
		outbound: utils.NewFDQueue[protocol.Records](host.opts.QueueLimit, host.opts.QueueTimeLimit, host.opts.QueueBatchSize),
		received: received,
	}
	s.log = host.log.With("session", name, "trace_id", s.traceId)
	return s
}

func (s *Session) GetTraceId() string {
	return s.traceId
}

// Drain decodes inbound frames and offers their ops as one batch. A
// malformed frame is logged and skipped, the context stays as it was.
func (s *Session) Drain(ctx context.Context, recs protocol.Records) error {
	var ops []protocol.Op
	for _, rec := range recs {
		parsed, err := s.dec.Decode(rec)
		if err != nil {
			FramesRejected.Inc()
			s.log.WarnCtx(ctx, "session: bad frame", "err", err)
			continue
		}
		for _, op := range parsed {
			s.received.Add(opstream.OpDigest(op), struct{}{})
		}
		ops = append(ops, parsed...)
	}
	if err := s.host.ingress.OfferAll(ops...); err != nil {
		return ErrClosed
	}
	return nil
}

func (s *Session) Feed(ctx context.Context) (protocol.Records, error) {
	return s.outbound.Feed(ctx)
}

// send queues the ops this peer has not sent itself and reports the
// outbound fill. It never blocks.
func (s *Session) send(ops []protocol.Op) (fill float64, err error) {
	if s.failed.Load() {
		return 0, nil
	}
	out := make([]protocol.Op, 0, len(ops))
	for _, op := range ops {
		if !s.received.Contains(opstream.OpDigest(op)) {
			out = append(out, op)
		}
	}
	if len(out) > 0 {
		s.encLock.Lock()
		err = s.outbound.Offer(s.enc.Encode(out))
		s.encLock.Unlock()
	}
	if err != nil {
		s.failed.Store(true)
		if errors.Is(err, utils.ErrClosed) {
			err = nil
		}
		return 0, err
	}
	return s.outbound.Fill(), nil
}

func (s *Session) Close() error {
	s.failed.Store(true)
	return s.outbound.Close()
}
