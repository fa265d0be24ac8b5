package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

// Peer is one connection. The read side accumulates bytes and hands
// complete lines to the handler's Drain off the socket goroutine, so a
// slow handler does not stall the reads of the next batch. The write
// side sends whatever the handler's Feed returns with one vectored
// write per batch.
type Peer struct {
	name           string
	closed         atomic.Bool
	closeOnce      sync.Once
	wg             sync.WaitGroup
	writeBatchSize *utils.AvgVal

	conn                net.Conn
	inout               protocol.FeedDrainCloserTraced
	incomingBuffer      atomic.Int32
	readAccumtTimeLimit time.Duration
	bufferMaxSize       int
	bufferMinToProcess  int
	writeTimeout        time.Duration
}

func (p *Peer) getReadTimeLimit() time.Duration {
	if p.readAccumtTimeLimit != 0 {
		return p.readAccumtTimeLimit
	}
	return DefaultReadAccumTimeLimit
}

// drainLoop passes split batches to the handler one at a time.
func (p *Peer) drainLoop(ctx context.Context, batches <-chan protocol.Records, errs chan<- error) {
	defer close(errs)
	for recs := range batches {
		if len(recs) == 0 {
			continue
		}
		BytesRead.Add(float64(recs.TotalLen()))
		if err := p.inout.Drain(ctx, recs); err != nil {
			errs <- err
			return
		}
	}
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// one batch may be draining while the next accumulates
	batches := make(chan protocol.Records)
	errs := make(chan error, 1)
	go p.drainLoop(ctx, batches, errs)
	defer close(batches)

	var deadline time.Time
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Len() < p.bufferMaxSize {
			if buf.Available() < TYPICAL_MTU {
				buf.Grow(TYPICAL_MTU)
			}
			idle := buf.AvailableBuffer()[:buf.Available()]
			if deadline.IsZero() {
				deadline = time.Now().Add(p.getReadTimeLimit())
			}
			_ = p.conn.SetReadDeadline(deadline)
			n, err := p.conn.Read(idle)
			buf.Write(idle[:n])
			switch {
			case err == nil:
			case errors.Is(err, os.ErrDeadlineExceeded):
			case errors.Is(err, io.EOF):
				if buf.Len() > 0 {
					p.handOver(ctx, &buf, batches, errs, true)
				}
				return io.EOF
			default:
				return err
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		due := time.Now().After(deadline) || buf.Len() >= p.bufferMinToProcess || buf.Len() >= p.bufferMaxSize
		if !due || buf.Len() == 0 {
			if due {
				deadline = time.Time{}
			}
			continue
		}
		if err := p.handOver(ctx, &buf, batches, errs, false); err != nil {
			return err
		}
		deadline = time.Time{}
	}
	return nil
}

// handOver splits the complete lines off the buffer and queues them
// for draining. A partial line that already fills the buffer can not
// become a frame anymore.
func (p *Peer) handOver(ctx context.Context, buf *bytes.Buffer, batches chan<- protocol.Records, errs <-chan error, last bool) error {
	recs, err := protocol.Split(buf)
	if errors.Is(err, protocol.ErrIncomplete) {
		if buf.Len() >= p.bufferMaxSize {
			return fmt.Errorf("%w: %d bytes buffered", err, buf.Len())
		}
		err = nil
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	select {
	case batches <- recs:
	case err = <-errs:
		return err
	case <-ctx.Done():
		return nil
	}
	if last {
		// let the final batch through before the socket goes
		select {
		case batches <- nil:
		case err = <-errs:
		case <-ctx.Done():
		}
	}
	return err
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

// connWriter drains outbound batches into the socket.
type connWriter Peer

func (w *connWriter) Drain(ctx context.Context, recs protocol.Records) error {
	p := (*Peer)(w)
	if p.closed.Load() {
		return net.ErrClosed
	}
	size := recs.TotalLen()
	p.writeBatchSize.Add(float64(size))

	if p.writeTimeout != 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	b := net.Buffers(recs)
	if _, err := b.WriteTo(p.conn); err != nil {
		return err
	}
	BytesWritten.Add(float64(size))
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	return protocol.Pump(ctx, p.inout, (*connWriter)(p))
}

// Keep runs both directions until one of them ends. The socket is
// closed once the write side is done, which also ends the reads.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.closed.Load() {
		return nil, nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.EOF) {
				rerr = nil
			}
		case werr = <-writeErrCh:
			if errors.Is(werr, utils.ErrClosed) || errors.Is(werr, net.ErrClosed) {
				werr = nil
			}
			cerr = p.conn.Close()
			if errors.Is(cerr, net.ErrClosed) {
				cerr = nil
			}
		}
		p.closed.Store(true)
		cancel()
	}
	return
}

// Close ends the connection and closes the handler, once.
func (p *Peer) Close() {
	p.closed.Store(true)
	_ = p.conn.Close()
	p.wg.Wait()
	p.closeOnce.Do(func() {
		_ = p.inout.Close()
	})
}
