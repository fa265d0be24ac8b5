package network

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
	"github.com/stretchr/testify/assert"
)

// lineHandler sends what is queued in out and passes what arrives to in.
type lineHandler struct {
	out *utils.FDQueue[protocol.Records]
	in  chan protocol.Records
}

func newLineHandler() *lineHandler {
	return &lineHandler{
		out: utils.NewFDQueue[protocol.Records](1<<16, time.Second, 1<<10),
		in:  make(chan protocol.Records, 16),
	}
}

func (h *lineHandler) Feed(ctx context.Context) (protocol.Records, error) {
	return h.out.Feed(ctx)
}

func (h *lineHandler) Drain(ctx context.Context, recs protocol.Records) error {
	select {
	case h.in <- recs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *lineHandler) Close() error {
	return h.out.Close()
}

func (h *lineHandler) GetTraceId() string {
	return "test"
}

func (h *lineHandler) receive(t *testing.T) string {
	select {
	case recs := <-h.in:
		var all []byte
		for _, rec := range recs {
			all = append(all, rec...)
		}
		return string(all)
	case <-time.After(5 * time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func TestNet_Echo(t *testing.T) {
	log := utils.NewDiscardLogger()
	const addr = "tcp://127.0.0.1:0"

	server := newLineHandler()
	destroyed := make(chan string, 4)
	l := NewNet(log, func(string) protocol.FeedDrainCloserTraced { return server },
		func(name string, _ protocol.Traced) { destroyed <- name },
		&NetReadBatchOpt{ReadAccumTimeLimit: 10 * time.Millisecond, BufferMaxSize: 1 << 16, BufferMinToProcess: 1})
	assert.Nil(t, l.Listen(addr))
	assert.Equal(t, ErrAddressDuplicated, l.Listen(addr))
	bound, ok := l.ListenAddr(addr)
	assert.True(t, ok)

	client := newLineHandler()
	c := NewNet(log, func(string) protocol.FeedDrainCloserTraced { return client },
		func(string, protocol.Traced) {},
		&NetWriteTimeoutOpt{Timeout: time.Second},
		&NetReadBatchOpt{ReadAccumTimeLimit: 10 * time.Millisecond, BufferMaxSize: 1 << 16, BufferMinToProcess: 1})
	remote := "tcp://" + bound.String()
	assert.Nil(t, c.Connect(remote))
	assert.Equal(t, ErrAddressDuplicated, c.Connect(remote))

	assert.Nil(t, client.out.Offer(protocol.Records{[]byte(".lww#obj@ev:k\"hi\"\n")}))
	assert.Equal(t, ".lww#obj@ev:k\"hi\"\n", server.receive(t))

	assert.Nil(t, server.out.Offer(protocol.Records{[]byte(".lww#obj@ev2:k\"re\"\n")}))
	assert.Equal(t, ".lww#obj@ev2:k\"re\"\n", client.receive(t))
	assert.Equal(t, []string{remote}, c.Peers())

	assert.Nil(t, c.Disconnect(remote))
	assert.Equal(t, ErrAddressUnknown, c.Disconnect(remote))
	select {
	case name := <-destroyed:
		assert.Contains(t, name, "listen:")
	case <-time.After(5 * time.Second):
		t.Fatal("server side not destroyed")
	}

	assert.Nil(t, c.Close())
	assert.Nil(t, l.Close())
}

func TestNet_ConnectFailed(t *testing.T) {
	handler := newLineHandler()
	c := NewNet(utils.NewDiscardLogger(), func(string) protocol.FeedDrainCloserTraced { return handler },
		func(string, protocol.Traced) {})
	// nothing listens there
	assert.Nil(t, c.Connect("tcp://127.0.0.1:1"))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.Peers())
	assert.Nil(t, c.Close())

	assert.True(t, errors.Is(c.Connect("ftp://127.0.0.1:1"), ErrAddressInvalid))
}

func TestParseAddr(t *testing.T) {
	typ, address, err := parseAddr("tls://example.com:443")
	assert.Nil(t, err)
	assert.Equal(t, TLS, typ)
	assert.Equal(t, "example.com:443", address)

	typ, address, err = parseAddr("tcp://:7070")
	assert.Nil(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, ":7070", address)

	_, _, err = parseAddr("quic://:7070")
	assert.Equal(t, ErrAddressInvalid, err)
}

func TestPeer_WriteLoop(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	handler := newLineHandler()
	p := &Peer{
		name:           "pipe",
		conn:           local,
		inout:          handler,
		writeBatchSize: &utils.AvgVal{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.keepWrite(ctx) }()

	assert.Nil(t, handler.out.Offer(protocol.Records{[]byte("a\n"), []byte("b\n")}))
	got := make([]byte, 4)
	_, err := io.ReadFull(remote, got)
	assert.Nil(t, err)
	assert.Equal(t, "a\nb\n", string(got))
	assert.Equal(t, 4.0, p.writeBatchSize.Val())

	cancel()
	select {
	case err = <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write loop did not stop")
	}

	// a closed peer writes nothing
	p.closed.Store(true)
	err = (*connWriter)(p).Drain(context.Background(), protocol.Records{[]byte("c\n")})
	assert.Equal(t, net.ErrClosed, err)
}
