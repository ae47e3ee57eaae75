package netutil

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// UDPProvider is the StreamProvider for the udp-server/udp-client roles.
// Dial wraps a connected UDP socket directly (net.Conn's Read/Write already
// preserve one-datagram-per-call semantics for it); Listen demultiplexes
// one bound socket into one virtual net.Conn per source address.
type UDPProvider struct{}

func (UDPProvider) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", addr)
}

func (UDPProvider) Listen(addr string) (StreamListener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	l := &udpListener{
		pc:     pc.(*net.UDPConn),
		peers:  make(map[string]*udpConn),
		accept: make(chan *udpConn, 16),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// udpListener reads datagrams off one bound socket and fans them out to a
// per-source-address virtual connection, minting a new one (and surfacing
// it via Accept) the first time a source address is seen. This is the
// "per-peer demultiplexing" spec.md §4.6 assigns to the listener side of
// the adapter.
type udpListener struct {
	pc *net.UDPConn

	mu    sync.Mutex
	peers map[string]*udpConn

	accept chan *udpConn
	closed chan struct{}
	once   sync.Once
}

func (l *udpListener) readLoop() {
	buf := make([]byte, 65507) // max UDP payload over IPv4
	for {
		n, raddr, err := l.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		l.mu.Lock()
		c, ok := l.peers[raddr.String()]
		if !ok {
			c = newUDPConn(l.pc, raddr, l.forget)
			l.peers[raddr.String()] = c
		}
		l.mu.Unlock()

		if !ok {
			select {
			case l.accept <- c:
			case <-l.closed:
				return
			}
		}
		c.deliver(datagram)
	}
}

func (l *udpListener) forget(raddr *net.UDPAddr) {
	l.mu.Lock()
	delete(l.peers, raddr.String())
	l.mu.Unlock()
}

func (l *udpListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *udpListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.pc.Close()
}

func (l *udpListener) Addr() net.Addr { return l.pc.LocalAddr() }

// udpConn is one virtual connection to a single peer address, sharing the
// listener's underlying socket for writes. Its Read buffers any unconsumed
// tail of a datagram across calls rather than discarding it, so it behaves
// like an ordinary ordered byte stream to a two-phase length-prefix reader
// even though each delivery is really one UDP datagram.
type udpConn struct {
	pc     *net.UDPConn
	raddr  *net.UDPAddr
	onDone func(*net.UDPAddr)

	recv chan []byte

	mu      sync.Mutex
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPConn(pc *net.UDPConn, raddr *net.UDPAddr, onDone func(*net.UDPAddr)) *udpConn {
	return &udpConn{
		pc:     pc,
		raddr:  raddr,
		onDone: onDone,
		recv:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// deliver queues one received datagram. If the peer's queue is saturated,
// the datagram is dropped rather than blocking the shared listener's read
// loop.
func (c *udpConn) deliver(b []byte) {
	select {
	case c.recv <- b:
	case <-c.closed:
	default:
	}
}

func (c *udpConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) == 0 {
		select {
		case b := <-c.recv:
			c.pending = b
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *udpConn) Write(p []byte) (int, error) {
	return c.pc.WriteToUDP(p, c.raddr)
}

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onDone != nil {
			c.onDone(c.raddr)
		}
	})
	return nil
}

func (c *udpConn) LocalAddr() net.Addr  { return c.pc.LocalAddr() }
func (c *udpConn) RemoteAddr() net.Addr { return c.raddr }

// Deadlines are not supported; the agents built on this adapter rely on
// the control-connection timeout and the splice's own cancellation instead.
func (c *udpConn) SetDeadline(t time.Time) error      { return nil }
func (c *udpConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *udpConn) SetWriteDeadline(t time.Time) error { return nil }
