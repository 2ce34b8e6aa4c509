package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport is a Transport over a websocket. Each Write is sent as
// one binary message, and Read presents the received messages as a
// byte stream.
type wsTransport struct {
	conn *websocket.Conn
	peer PeerInfo

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

func (w *wsTransport) Read(bs []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	for {
		if w.r == nil {
			typ, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, fmt.Errorf("unexpected websocket message type %d", typ)
			}
			w.r = r
		}
		n, err := w.r.Read(bs)
		if errors.Is(err, io.EOF) {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsTransport) Write(bs []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, bs); err != nil {
		return 0, err
	}
	return len(bs), nil
}

func (w *wsTransport) Close() error {
	w.wmu.Lock()
	w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.conn.Close()
}

func (w *wsTransport) Peer() PeerInfo { return w.peer }

func (w *wsTransport) SetDeadline(t time.Time) error {
	return errors.Join(w.conn.SetReadDeadline(t), w.conn.SetWriteDeadline(t))
}

// DialWebsocket connects to the bus at the given ws:// or wss:// URL.
func DialWebsocket(ctx context.Context, u string) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &wsTransport{
		conn: conn,
		peer: unknownPeer(addrString(conn.RemoteAddr())),
	}, nil
}

// ListenWebsocket serves websocket upgrades at the given ws:// URL.
// The URL's path selects the HTTP path that accepts connections.
func ListenWebsocket(ctx context.Context, u string) (Listener, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "ws" {
		return nil, fmt.Errorf("%w: can only listen on ws:// URLs, got %q", ErrUnknownAddress, u)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", parsed.Host)
	if err != nil {
		return nil, err
	}
	ret := &wsListener{
		addr:     fmt.Sprintf("ws:url=ws://%s%s", ln.Addr(), path),
		accepted: make(chan *wsTransport),
		done:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			return
		}
		t := &wsTransport{
			conn: conn,
			peer: unknownPeer(r.RemoteAddr),
		}
		select {
		case ret.accepted <- t:
		case <-ret.done:
			conn.Close()
		}
	})
	ret.srv = &http.Server{Handler: mux}
	go ret.srv.Serve(ln)
	return ret, nil
}

type wsListener struct {
	addr     string
	srv      *http.Server
	accepted chan *wsTransport

	closeOnce sync.Once
	done      chan struct{}
}

func (l *wsListener) Addr() string { return l.addr }

func (l *wsListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", net.ErrClosed, ctx.Err())
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}
