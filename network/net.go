// Package network carries newline-delimited op frames over TCP or TLS.
//
// A Net listens and dials; every established connection becomes a Peer
// that pumps bytes between the socket and a protocol handler obtained
// from the install callback:
//
//	socket -> read buffer -> protocol.Split -> handler.Drain
//	handler.Feed -> net.Buffers -> socket
//
// Dialed connections are kept: when one drops, the Net redials with an
// exponential backoff until it is disconnected or closed. Accepted
// connections are not redialed, that is the remote side's job.
//
//	n := NewNet(log, install, destroy, &NetWriteTimeoutOpt{Timeout: time.Minute})
//	defer n.Close()
//	err := n.Listen("tcp://:7070")
//	err = n.Connect("tls://replica.example.com:7070")
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("swarm: the address invalid")
	ErrAddressDuplicated = errors.New("swarm: the address already used")
	ErrAddressUnknown    = errors.New("swarm: address unknown")
)

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TYPICAL_MTU = 1500

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2

	DefaultReadAccumTimeLimit = 50 * time.Millisecond
	DefaultBufferMaxSize      = protocol.MaxFrameLen * 2
	DefaultBufferMinToProcess = 4 * TYPICAL_MTU
)

// InstallCallback makes the protocol handler of a new connection.
type InstallCallback func(name string) protocol.FeedDrainCloserTraced

// DestroyCallback reports a connection gone; the handler is closed by then.
type DestroyCallback func(name string, p protocol.Traced)

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	readAccumTimeLimit time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// NetReadBatchOpt tunes read batching: the buffer is split into
// frames once it holds BufferMinToProcess bytes or ReadAccumTimeLimit
// passes, and it never grows past BufferMaxSize.
type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readAccumTimeLimit = opt.ReadAccumTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
	n.bufferMinToProcess = opt.BufferMinToProcess
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:                log,
		ctx:                ctx,
		cancelCtx:          cancel,
		conns:              xsync.NewMapOf[string, *Peer](),
		listens:            xsync.NewMapOf[string, net.Listener](),
		onInstall:          install,
		onDestroy:          destroy,
		readAccumTimeLimit: DefaultReadAccumTimeLimit,
		bufferMaxSize:      DefaultBufferMaxSize,
		bufferMinToProcess: DefaultBufferMinToProcess,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int32
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int32),
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats.ReadBuffers[name] = peer.GetIncomingPacketBufferSize()
			stats.WriteBatches[name] = int32(peer.writeBatchSize.Val())
		}
		return true
	})
	return stats
}

// Peers lists the names of established connections.
func (n *Net) Peers() (names []string) {
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			names = append(names, name)
		}
		return true
	})
	return
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps a connection to the first reachable address of
// the list, under the given name.
func (n *Net) ConnectPool(name string, addrs []string) error {
	for _, addr := range addrs {
		if _, _, err := parseAddr(addr); err != nil {
			return err
		}
	}
	// the nil placeholder blocks a second Connect while dialing
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(name, addrs)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	peer, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

// Listen accepts connections on a "tcp://host:port" or
// "tls://host:port" address.
func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr, "local", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr, listener)
	}()
	return nil
}

// ListenAddr is the bound address of a listener, useful with port 0.
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

// connected tells whether the name is still wanted: Disconnect removes
// it, a running peer or the dialing placeholder keeps it.
func (n *Net) connected(name string) bool {
	_, ok := n.conns.Load(name)
	return ok
}

func (n *Net) KeepConnecting(name string, addrs []string) {
	backoff := MIN_RETRY_PERIOD
	for n.ctx.Err() == nil && n.connected(name) {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			if conn, err = n.createConn(addr); err == nil {
				break
			}
		}

		if err != nil {
			n.log.Error("net: couldn't connect", "name", name, "err", err, "retry", backoff)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
				return
			}
			backoff = min(MAX_RETRY_PERIOD, backoff*2)
			continue
		}
		ctx := n.log.WithDefaultArgs(n.ctx, "name", name)
		n.setTCPBuffersSize(ctx, conn)
		n.log.InfoCtx(ctx, "net: connected")

		backoff = MIN_RETRY_PERIOD
		if !n.keepPeer(name, conn) {
			return
		}
	}
}

func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	var tconn *net.TCPConn
	switch c := conn.(type) {
	case *tls.Conn:
		nconn, ok := c.NetConn().(*net.TCPConn)
		if !ok {
			n.log.WarnCtx(ctx, "net: unable to set buffers of a tls conn")
			return
		}
		tconn = nconn
	case *net.TCPConn:
		tconn = c
	default:
		n.log.WarnCtx(ctx, "net: unable to set buffers of an unknown conn")
		return
	}
	if n.readBufferTcpSize > 0 {
		_ = tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		_ = tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		ctx := n.log.WithDefaultArgs(n.ctx, "addr", addr, "remote", remote)
		n.log.InfoCtx(ctx, "net: accepted")
		n.setTCPBuffersSize(ctx, conn)

		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote)
		n.conns.Store(name, nil)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(name, conn)
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't close listener", "addr", addr, "err", err)
		}
	}
	n.log.Info("net: listener closed", "addr", addr)
}

// keepPeer runs the connection until it fails or is closed. It reports
// whether the name is still wanted, i.e. whether to redial.
func (n *Net) keepPeer(name string, conn net.Conn) (again bool) {
	peer := &Peer{
		name:                name,
		inout:               n.onInstall(name),
		conn:                conn,
		writeTimeout:        n.writeTimeout,
		readAccumtTimeLimit: n.readAccumTimeLimit,
		bufferMaxSize:       n.bufferMaxSize,
		bufferMinToProcess:  n.bufferMinToProcess,
		writeBatchSize:      &utils.AvgVal{},
	}
	if _, ok := n.conns.Load(name); !ok || n.ctx.Err() != nil {
		// disconnected while dialing
		_ = conn.Close()
		_ = peer.inout.Close()
		n.onDestroy(name, peer)
		return false
	}
	n.conns.Store(name, peer)
	PeersConnected.Inc()

	readErr, writeErr, closeErr := peer.Keep(n.ctx)
	trace := peer.GetTraceId()
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr, "trace_id", trace)
	}
	if writeErr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr, "trace_id", trace)
	}
	if closeErr != nil {
		n.log.Error("net: couldn't close peer", "name", name, "err", closeErr, "trace_id", trace)
	}

	PeersConnected.Dec()
	if strings.HasPrefix(name, "listen:") {
		n.conns.Delete(name)
	} else {
		// the name stays reserved for a redial unless disconnected
		n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
			if loaded && old == peer {
				again = true
				return nil, false
			}
			return old, !loaded
		})
	}
	peer.Close()
	n.onDestroy(name, peer)
	return again && n.ctx.Err() == nil
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		d := tls.Dialer{Config: n.tlsConfig, NetDialer: &net.Dialer{Timeout: time.Minute}}
		return d.DialContext(n.ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(n.ctx, "tcp", address)
}

// parseAddr splits "scheme://host:port"; no scheme means tcp.
func parseAddr(addr string) (ConnType, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", fmt.Errorf("%w: %s", ErrAddressInvalid, err)
	}

	var conn ConnType
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}

	u.Scheme = ""
	return conn, strings.TrimPrefix(u.String(), "//"), nil
}
