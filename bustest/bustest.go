// Package bustest provides a helper to run an isolated bus router in
// tests.
package bustest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/router"
	"github.com/danderson/msgbus/transport"
)

// Bus is an isolated bus router for tests.
type Bus struct {
	t      testing.TB
	r      *router.Router
	addr   string
	served chan struct{}
}

// Options configure a test bus.
type Options struct {
	// Verbose logs the router's debug logs with t.Log.
	Verbose bool
	// Config is the router config. Listen addresses are ignored.
	Config router.Config
}

// New starts a router dedicated to the calling test, listening on a
// unix socket in the test's temporary directory. The router is shut
// down when the test completes.
func New(t testing.TB, opts *Options) *Bus {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	level := zap.InfoLevel
	if opts.Verbose {
		level = zap.DebugLevel
	}
	cfg := opts.Config
	cfg.Listen = nil

	ret := &Bus{
		t:      t,
		r:      router.New(&cfg, zaptest.NewLogger(t, zaptest.Level(level)).Named("router")),
		addr:   "unix:path=" + filepath.Join(t.TempDir(), "bus.sock"),
		served: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := transport.Listen(ctx, ret.addr)
	if err != nil {
		t.Fatalf("listening on %s: %v", ret.addr, err)
	}
	go func() {
		defer close(ret.served)
		if err := ret.r.Serve(l); err != nil {
			t.Errorf("test router stopped: %v", err)
		}
	}()
	t.Cleanup(ret.close)
	return ret
}

func (b *Bus) close() {
	b.r.Close()
	select {
	case <-b.served:
	case <-time.After(10 * time.Second):
		b.t.Error("timed out waiting for router to stop")
	}
}

// Router returns the bus's router.
func (b *Bus) Router() *router.Router { return b.r }

// Address returns the bus address of the router's unix socket.
func (b *Bus) Address() string { return b.addr }

// MustConn returns an in-process connection to the bus, which is
// closed when the test completes. It causes an immediate test
// failure with t.Fatal if it is unable to connect.
func (b *Bus) MustConn(t testing.TB) *msgbus.Conn {
	t.Helper()
	tr, err := b.r.Connect()
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	return b.finish(t, func(ctx context.Context, opts *msgbus.Options) (*msgbus.Conn, error) {
		return msgbus.NewConn(ctx, tr, opts)
	})
}

// MustDial is like MustConn, but connects through the router's unix
// socket.
func (b *Bus) MustDial(t testing.TB) *msgbus.Conn {
	t.Helper()
	return b.finish(t, func(ctx context.Context, opts *msgbus.Options) (*msgbus.Conn, error) {
		return msgbus.Dial(ctx, b.addr, opts)
	})
}

func (b *Bus) finish(t testing.TB, connect func(context.Context, *msgbus.Options) (*msgbus.Conn, error)) *msgbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts := &msgbus.Options{
		Logger:      zaptest.NewLogger(t),
		CallTimeout: 10 * time.Second,
	}
	ret, err := connect(ctx, opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}
