package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"nanomsg.org/go/mangos/v2"
	"nanomsg.org/go/mangos/v2/protocol/pair"

	// Register all mangos transports (tcp, ipc, inproc, ws, tls).
	_ "nanomsg.org/go/mangos/v2/transport/all"
)

// mangosTransport is a Transport over a mangos PAIR socket. Each Write
// is sent as one mangos message, and Read presents the received
// messages as a byte stream.
type mangosTransport struct {
	sock mangos.Socket
	addr string

	rmu  sync.Mutex
	rbuf []byte
}

func (m *mangosTransport) Read(bs []byte) (int, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	for len(m.rbuf) == 0 {
		msg, err := m.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		m.rbuf = msg
	}
	n := copy(bs, m.rbuf)
	m.rbuf = m.rbuf[n:]
	return n, nil
}

func (m *mangosTransport) Write(bs []byte) (int, error) {
	// Send takes ownership of the buffer.
	msg := make([]byte, len(bs))
	copy(msg, bs)
	if err := m.sock.Send(msg); err != nil {
		return 0, err
	}
	return len(bs), nil
}

func (m *mangosTransport) Close() error {
	return m.sock.Close()
}

func (m *mangosTransport) Peer() PeerInfo { return unknownPeer(m.addr) }

func (m *mangosTransport) SetDeadline(t time.Time) error {
	var d time.Duration
	if !t.IsZero() {
		d = time.Until(t)
		if d <= 0 {
			d = time.Millisecond
		}
	}
	return errors.Join(
		m.sock.SetOption(mangos.OptionRecvDeadline, d),
		m.sock.SetOption(mangos.OptionSendDeadline, d))
}

// DialMangos connects a PAIR socket to the given mangos URL, such as
// tcp://127.0.0.1:4000 or inproc://bus.
func DialMangos(ctx context.Context, url string) (Transport, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Dial(url); err != nil {
		sock.Close()
		return nil, err
	}
	return &mangosTransport{sock: sock, addr: url}, nil
}

// ListenMangos listens with a PAIR socket on the given mangos URL.
//
// PAIR sockets carry exactly one peer, so the listener yields a single
// Transport. Further Accept calls block until the listener is closed.
func ListenMangos(ctx context.Context, url string) (Listener, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(url); err != nil {
		sock.Close()
		return nil, err
	}
	return &mangosListener{
		t:    &mangosTransport{sock: sock, addr: url},
		addr: "mangos:url=" + url,
		done: make(chan struct{}),
	}, nil
}

type mangosListener struct {
	t    *mangosTransport
	addr string

	mu       sync.Mutex
	accepted bool

	closeOnce sync.Once
	done      chan struct{}
}

func (l *mangosListener) Addr() string { return l.addr }

func (l *mangosListener) Accept(ctx context.Context) (Transport, error) {
	l.mu.Lock()
	first := !l.accepted
	l.accepted = true
	l.mu.Unlock()
	if first {
		select {
		case <-l.done:
		default:
			return l.t, nil
		}
	}
	select {
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", net.ErrClosed, ctx.Err())
	}
}

func (l *mangosListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.accepted {
		return l.t.Close()
	}
	return nil
}
