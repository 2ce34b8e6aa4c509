package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// streamTransport is a Transport over a stream socket.
type streamTransport struct {
	conn net.Conn
	buf  *bufio.Reader
	peer PeerInfo
}

func newStream(conn net.Conn, peer PeerInfo) *streamTransport {
	return &streamTransport{
		conn: conn,
		buf:  bufio.NewReader(conn),
		peer: peer,
	}
}

func (s *streamTransport) Read(bs []byte) (int, error) {
	return s.buf.Read(bs)
}

func (s *streamTransport) Write(bs []byte) (int, error) {
	return s.conn.Write(bs)
}

func (s *streamTransport) Close() error {
	return s.conn.Close()
}

func (s *streamTransport) Peer() PeerInfo { return s.peer }

func (s *streamTransport) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// DialUnix connects to the bus at the given unix socket path.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return newStream(conn, peerInfo(conn)), nil
}

// DialTCP connects to the bus at the given host:port.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newStream(conn, unknownPeer(addrString(conn.RemoteAddr()))), nil
}

// ListenUnix listens on the unix socket at path. A stale socket file
// at path is removed first.
func ListenUnix(ctx context.Context, path string) (Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &streamListener{
		ln:   ln,
		addr: "unix:path=" + path,
	}, nil
}

// ListenTCP listens on the given host:port. A zero port picks a free
// port, reported by the listener's Addr.
func ListenTCP(ctx context.Context, hostport string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	return &streamListener{
		ln:   ln,
		addr: "tcp:addr=" + ln.Addr().String(),
	}, nil
}

type streamListener struct {
	ln   net.Listener
	addr string

	closeOnce sync.Once
}

func (l *streamListener) Addr() string { return l.addr }

func (l *streamListener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.ln.Close() })
	return err
}

func (l *streamListener) Accept(ctx context.Context) (Transport, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", net.ErrClosed, ctx.Err())
		}
		return nil, err
	}
	if _, ok := conn.(*net.UnixConn); ok {
		return newStream(conn, peerInfo(conn)), nil
	}
	return newStream(conn, unknownPeer(addrString(conn.RemoteAddr()))), nil
}
