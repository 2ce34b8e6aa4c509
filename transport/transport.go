// Package transport provides the byte stream connections that bus
// messages travel over, and the line based handshake that opens them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Transport is a raw bus connection.
type Transport interface {
	io.ReadWriteCloser

	// Peer returns what is known about the remote end of the
	// transport.
	Peer() PeerInfo
}

// PeerInfo describes the remote end of a Transport.
type PeerInfo struct {
	// UID is the peer's user ID, or -1 if unknown.
	UID int
	// PID is the peer's process ID, or -1 if unknown.
	PID int
	// Addr is the peer's address, in a transport specific format.
	Addr string
}

// HasCredentials reports whether the peer's process credentials are
// known.
func (p PeerInfo) HasCredentials() bool { return p.UID >= 0 }

func unknownPeer(addr string) PeerInfo {
	return PeerInfo{UID: -1, PID: -1, Addr: addr}
}

// A Listener accepts incoming Transports.
type Listener interface {
	// Accept waits for and returns the next Transport.
	Accept(ctx context.Context) (Transport, error)
	// Close stops listening. Blocked Accept calls return
	// net.ErrClosed.
	Close() error
	// Addr returns a bus address that dials this listener.
	Addr() string
}

// ErrUnknownAddress is returned for bus addresses with an unsupported
// transport kind or missing parameters.
var ErrUnknownAddress = errors.New("unknown bus address")

// An Address is a parsed bus address, of the form
// kind:key=value,key=value.
type Address struct {
	Kind   string
	Params map[string]string
}

func (a Address) String() string {
	var ps []string
	for _, k := range []string{"path", "addr", "url"} {
		if v, ok := a.Params[k]; ok {
			ps = append(ps, k+"="+v)
		}
	}
	return a.Kind + ":" + strings.Join(ps, ",")
}

// ParseAddresses parses a semicolon separated list of bus addresses.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		one = strings.TrimSpace(one)
		if one == "" {
			continue
		}
		kind, rest, ok := strings.Cut(one, ":")
		if !ok || kind == "" {
			return nil, fmt.Errorf("%w %q: missing transport kind", ErrUnknownAddress, one)
		}
		a := Address{Kind: kind, Params: map[string]string{}}
		for _, kv := range strings.Split(rest, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("%w %q: malformed parameter %q", ErrUnknownAddress, one, kv)
			}
			a.Params[k] = v
		}
		ret = append(ret, a)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("%w: empty address %q", ErrUnknownAddress, s)
	}
	return ret, nil
}

func (a Address) param(name string) (string, error) {
	v := a.Params[name]
	if v == "" {
		return "", fmt.Errorf("%w %q: missing %s parameter", ErrUnknownAddress, a, name)
	}
	return v, nil
}

// Dial connects to the first reachable address in addrs, a semicolon
// separated list of bus addresses.
//
// Supported addresses are unix:path=<socket path>,
// tcp:addr=<host:port>, ws:url=<websocket URL> and
// mangos:url=<mangos URL>.
func Dial(ctx context.Context, addrs string) (Transport, error) {
	as, err := ParseAddresses(addrs)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range as {
		t, err := dialOne(ctx, a)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("dialing %s: %w", a, err))
	}
	return nil, errors.Join(errs...)
}

func dialOne(ctx context.Context, a Address) (Transport, error) {
	switch a.Kind {
	case "unix":
		path, err := a.param("path")
		if err != nil {
			return nil, err
		}
		return DialUnix(ctx, path)
	case "tcp":
		addr, err := a.param("addr")
		if err != nil {
			return nil, err
		}
		return DialTCP(ctx, addr)
	case "ws":
		url, err := a.param("url")
		if err != nil {
			return nil, err
		}
		return DialWebsocket(ctx, url)
	case "mangos":
		url, err := a.param("url")
		if err != nil {
			return nil, err
		}
		return DialMangos(ctx, url)
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrUnknownAddress, a.Kind)
	}
}

// Listen listens on the given bus address.
func Listen(ctx context.Context, addr string) (Listener, error) {
	as, err := ParseAddresses(addr)
	if err != nil {
		return nil, err
	}
	if len(as) != 1 {
		return nil, fmt.Errorf("%w: Listen takes exactly one address, got %q", ErrUnknownAddress, addr)
	}
	a := as[0]
	switch a.Kind {
	case "unix":
		path, err := a.param("path")
		if err != nil {
			return nil, err
		}
		return ListenUnix(ctx, path)
	case "tcp":
		hostport, err := a.param("addr")
		if err != nil {
			return nil, err
		}
		return ListenTCP(ctx, hostport)
	case "ws":
		url, err := a.param("url")
		if err != nil {
			return nil, err
		}
		return ListenWebsocket(ctx, url)
	case "mangos":
		url, err := a.param("url")
		if err != nil {
			return nil, err
		}
		return ListenMangos(ctx, url)
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrUnknownAddress, a.Kind)
	}
}

// Pipe returns a connected pair of in-process Transports.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	self := PeerInfo{UID: os.Getuid(), PID: os.Getpid(), Addr: "pipe"}
	return newStream(a, self), newStream(b, self)
}

// deadliner is implemented by transports that support I/O deadlines.
type deadliner interface {
	SetDeadline(time.Time) error
}

// withDeadline runs fn with t's deadline set from ctx, if t supports
// deadlines.
func withDeadline(ctx context.Context, t Transport, fn func() error) error {
	d, ok := t.(deadliner)
	if !ok {
		return fn()
	}
	deadline, _ := ctx.Deadline()
	if err := d.SetDeadline(deadline); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return d.SetDeadline(time.Time{})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
