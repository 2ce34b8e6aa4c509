package msgbus_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/bustest"
)

const echoName = "org.example.Echo"

// defineEcho creates the echo interface on conn.
func defineEcho(t *testing.T, conn *msgbus.Conn, secure bool) *msgbus.InterfaceDescription {
	t.Helper()
	iface, err := conn.CreateInterface(echoName, secure)
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}
	for _, err := range []error{
		iface.AddMethod("Cat", "ss", "s", "a,b,joined", 0),
		iface.AddMethod("Stall", "u", "", "n", 0),
		iface.AddMethod("Fire", "s", "", "what", msgbus.MemberNoReply),
		iface.AddMethod("Fail", "", "", "", 0),
		iface.AddSignal("Echoed", "s", "what", 0),
		iface.AddProperty("Greeting", "s", msgbus.PropReadWrite),
		iface.AddProperty("Count", "u", msgbus.PropRead),
	} {
		if err != nil {
			t.Fatalf("defining %s: %v", echoName, err)
		}
	}
	iface.Activate()
	return iface
}

type echoServer struct {
	conn  *msgbus.Conn
	iface *msgbus.InterfaceDescription
	obj   *msgbus.BusObject

	greeting string
	fired    chan string
}

func newEchoServer(t *testing.T, conn *msgbus.Conn, path msgbus.ObjectPath, secure bool) *echoServer {
	t.Helper()
	ret := &echoServer{
		conn:     conn,
		iface:    defineEcho(t, conn, secure),
		obj:      msgbus.NewBusObject(path),
		greeting: "hello",
		fired:    make(chan string, 10),
	}
	if err := ret.obj.AddInterface(ret.iface); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	member := func(name string) *msgbus.Member {
		m, ok := ret.iface.Member(name)
		if !ok {
			t.Fatalf("no member %s", name)
		}
		return m
	}
	err := ret.obj.AddMethodHandlers(
		msgbus.MethodEntry{Member: member("Cat"), Handler: func(ctx context.Context, _ *msgbus.Member, msg *msgbus.Message) {
			var a, b string
			if err := msg.Unpack("ss", &a, &b); err != nil {
				ret.obj.MethodReplyErr(msg, err)
				return
			}
			ret.obj.MethodReply(msg, msgbus.MakeString(a+b))
		}},
		// Stall never replies.
		msgbus.MethodEntry{Member: member("Stall"), Handler: func(context.Context, *msgbus.Member, *msgbus.Message) {}},
		msgbus.MethodEntry{Member: member("Fire"), Handler: func(ctx context.Context, _ *msgbus.Member, msg *msgbus.Message) {
			var what string
			msg.Unpack("s", &what)
			ret.fired <- what
		}},
		msgbus.MethodEntry{Member: member("Fail"), Handler: func(ctx context.Context, _ *msgbus.Member, msg *msgbus.Message) {
			ret.obj.MethodReplyErr(msg, msgbus.CallError{Name: "org.example.Error.Nope", Detail: "nope"})
		}},
	)
	if err != nil {
		t.Fatalf("AddMethodHandlers: %v", err)
	}
	ret.obj.SetPropertyHandlers(
		func(ctx context.Context, iface, prop string) (msgbus.Value, error) {
			switch prop {
			case "Greeting":
				return msgbus.MakeString(ret.greeting), nil
			case "Count":
				return msgbus.MakeUint32(uint32(len(ret.greeting))), nil
			}
			return msgbus.Value{}, msgbus.ErrUnknownProperty
		},
		func(ctx context.Context, iface, prop string, val msgbus.Value) error {
			if err := val.Get("s", &ret.greeting); err != nil {
				return err
			}
			return ret.obj.EmitPropertyChanged(iface, prop, val, 0)
		})
	if err := conn.RegisterBusObject(ret.obj); err != nil {
		t.Fatalf("RegisterBusObject: %v", err)
	}
	return ret
}

func echoProxy(t *testing.T, client *msgbus.Conn, server *msgbus.Conn, path msgbus.ObjectPath, session msgbus.SessionID) *msgbus.ProxyObject {
	t.Helper()
	if client.Interface(echoName) == nil {
		defineEcho(t, client, false)
	}
	ret := client.Proxy(server.UniqueName(), path, session)
	if err := ret.AddInterfaceByName(echoName); err != nil {
		t.Fatalf("AddInterfaceByName: %v", err)
	}
	return ret
}

// recv waits for a value from ch, failing the test if none arrives
// promptly.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

// noRecv checks that nothing arrives on ch for a short while.
func noRecv[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMethodCall(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustDial(t)
	echo := newEchoServer(t, server, "/echo", false)
	p := echoProxy(t, client, server, "/echo", 0)
	ctx := context.Background()

	reply, err := p.Call(ctx, echoName, "Cat", "foo", "bar")
	if err != nil {
		t.Fatalf("Cat: %v", err)
	}
	var got string
	if err := reply.Unpack("s", &got); err != nil {
		t.Fatalf("unpacking reply: %v", err)
	}
	if got != "foobar" {
		t.Errorf("Cat(foo, bar) = %q, want foobar", got)
	}
	if reply.Sender != server.UniqueName() {
		t.Errorf("reply sender = %q, want %q", reply.Sender, server.UniqueName())
	}

	// Argument checks happen before sending.
	if _, err := p.Call(ctx, echoName, "Cat", "foo"); err == nil {
		t.Error("Cat with one argument succeeded")
	}
	if _, err := p.MethodCall(ctx, echoName, "Cat", []msgbus.Value{msgbus.MakeUint32(1), msgbus.MakeString("x")}); !errors.Is(err, msgbus.ErrSignatureMismatch) {
		t.Errorf("Cat(u, s) err = %v, want ErrSignatureMismatch", err)
	}

	if err := p.MethodCallNoReply(echoName, "Fire", []msgbus.Value{msgbus.MakeString("bang")}); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if got := recv(t, echo.fired); got != "bang" {
		t.Errorf("Fire delivered %q, want bang", got)
	}
}

func TestMethodCallAsync(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/echo", false)
	p := echoProxy(t, client, server, "/echo", 0)
	ctx := context.Background()

	type result struct {
		got string
		err error
	}
	var calls atomic.Int32
	results := make(chan result, 10)
	handler := func(ctx context.Context, reply *msgbus.Message, err error) {
		calls.Inc()
		var r result
		r.err = err
		if err == nil {
			r.err = reply.Unpack("s", &r.got)
		}
		results <- r
	}
	args := []msgbus.Value{msgbus.MakeString("a"), msgbus.MakeString("b")}
	if err := p.MethodCallAsync(ctx, echoName, "Cat", args, handler); err != nil {
		t.Fatalf("MethodCallAsync: %v", err)
	}
	if r := recv(t, results); r.err != nil || r.got != "ab" {
		t.Errorf("async Cat = %q, %v, want ab", r.got, r.err)
	}

	// A stalled call times out, and the handler hears about it once.
	if err := p.MethodCallAsync(ctx, echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)}, handler, msgbus.WithTimeout(50*time.Millisecond)); err != nil {
		t.Fatalf("MethodCallAsync: %v", err)
	}
	if r := recv(t, results); !errors.Is(r.err, msgbus.ErrTimeout) {
		t.Errorf("stalled call err = %v, want ErrTimeout", r.err)
	}
	noRecv(t, results)

	// Canceling the context resolves the call too.
	cctx, cancel := context.WithCancel(ctx)
	if err := p.MethodCallAsync(cctx, echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)}, handler); err != nil {
		t.Fatalf("MethodCallAsync: %v", err)
	}
	cancel()
	if r := recv(t, results); !errors.Is(r.err, context.Canceled) {
		t.Errorf("canceled call err = %v, want context.Canceled", r.err)
	}
	noRecv(t, results)

	// So does a context canceled before the call is made, well
	// before the default timeout.
	if err := p.MethodCallAsync(cctx, echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)}, handler); err != nil {
		t.Fatalf("MethodCallAsync: %v", err)
	}
	if r := recv(t, results); !errors.Is(r.err, context.Canceled) {
		t.Errorf("precanceled call err = %v, want context.Canceled", r.err)
	}
	noRecv(t, results)
	if got := calls.Load(); got != 4 {
		t.Errorf("reply handler called %d times, want 4", got)
	}

	// A closed connection refuses new calls without calling the
	// handler.
	client.Close()
	if err := p.MethodCallAsync(ctx, echoName, "Cat", args, handler); !errors.Is(err, msgbus.ErrDisconnected) {
		t.Errorf("MethodCallAsync on closed conn err = %v, want ErrDisconnected", err)
	}
	noRecv(t, results)
}

func TestCallTimeout(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/echo", false)
	p := echoProxy(t, client, server, "/echo", 0)

	_, err := p.MethodCall(context.Background(), echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)}, msgbus.WithTimeout(50*time.Millisecond))
	if !errors.Is(err, msgbus.ErrTimeout) {
		t.Errorf("Stall err = %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.MethodCall(ctx, echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stall err = %v, want context.DeadlineExceeded", err)
	}

	// The connection still works afterwards.
	if _, err := p.Call(context.Background(), echoName, "Cat", "x", "y"); err != nil {
		t.Errorf("Cat after timeouts: %v", err)
	}
}

func TestScrambledReplies(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	ctx := context.Background()
	const n = 50

	defineHold := func(conn *msgbus.Conn) *msgbus.InterfaceDescription {
		iface, err := conn.CreateInterface("org.example.Hold", false)
		if err != nil {
			t.Fatal(err)
		}
		if err := iface.AddMethod("Hold", "u", "u", "n,n", 0); err != nil {
			t.Fatal(err)
		}
		iface.Activate()
		return iface
	}

	// The server holds the first n calls, then answers them in a
	// random order. Calls past n are never answered.
	iface := defineHold(server)
	obj := msgbus.NewBusObject("/hold")
	if err := obj.AddInterface(iface); err != nil {
		t.Fatal(err)
	}
	hold, _ := iface.Member("Hold")
	var held []*msgbus.Message
	err := obj.AddMethodHandler(hold, func(ctx context.Context, _ *msgbus.Member, msg *msgbus.Message) {
		if len(held) == n {
			return
		}
		held = append(held, msg)
		if len(held) < n {
			return
		}
		for _, i := range rand.Perm(n) {
			var v uint32
			held[i].Unpack("u", &v)
			obj.MethodReply(held[i], msgbus.MakeUint32(v))
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.RegisterBusObject(obj); err != nil {
		t.Fatal(err)
	}

	defineHold(client)
	p := client.Proxy(server.UniqueName(), "/hold", 0)
	if err := p.AddInterfaceByName("org.example.Hold"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := map[uint32]int{}
	done := make(chan struct{}, n+1)
	var timeouts atomic.Int32
	for i := range uint32(n) {
		handler := func(ctx context.Context, reply *msgbus.Message, err error) {
			defer func() { done <- struct{}{} }()
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			var v uint32
			if err := reply.Unpack("u", &v); err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if v != i {
				t.Errorf("call %d got the reply for call %d", i, v)
			}
			mu.Lock()
			got[i]++
			mu.Unlock()
		}
		if err := p.MethodCallAsync(ctx, "org.example.Hold", "Hold", []msgbus.Value{msgbus.MakeUint32(i)}, handler); err != nil {
			t.Fatalf("MethodCallAsync(%d): %v", i, err)
		}
	}
	late := func(ctx context.Context, reply *msgbus.Message, err error) {
		if errors.Is(err, msgbus.ErrTimeout) {
			timeouts.Inc()
		} else {
			t.Errorf("unanswered call err = %v, want ErrTimeout", err)
		}
		done <- struct{}{}
	}
	if err := p.MethodCallAsync(ctx, "org.example.Hold", "Hold", []msgbus.Value{msgbus.MakeUint32(n)}, late, msgbus.WithTimeout(200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	for range n + 1 {
		recv(t, done)
	}
	noRecv(t, done)

	mu.Lock()
	defer mu.Unlock()
	for i := range uint32(n) {
		if got[i] != 1 {
			t.Errorf("call %d resolved %d times, want 1", i, got[i])
		}
	}
	if got := timeouts.Load(); got != 1 {
		t.Errorf("unanswered call timed out %d times, want 1", got)
	}
}

func TestCallErrors(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/echo", false)
	ctx := context.Background()

	other, err := client.CreateInterface("org.example.Other", false)
	if err != nil {
		t.Fatal(err)
	}
	other.AddMethod("Nothing", "", "", "", 0)
	other.Activate()

	tests := []struct {
		name    string
		path    msgbus.ObjectPath
		dest    string
		iface   string
		method  string
		args    []msgbus.Value
		want    error
		errName string
	}{
		{"unknown_object", "/nope", server.UniqueName(), echoName, "Cat", []msgbus.Value{msgbus.MakeString("a"), msgbus.MakeString("b")}, msgbus.ErrUnknownObject, msgbus.ErrorNameUnknownObject},
		{"unknown_interface", "/echo", server.UniqueName(), "org.example.Other", "Nothing", nil, msgbus.ErrUnknownInterface, msgbus.ErrorNameUnknownInterface},
		{"unknown_service", "/echo", ":1.9999", echoName, "Cat", []msgbus.Value{msgbus.MakeString("a"), msgbus.MakeString("b")}, msgbus.ErrServiceUnknown, msgbus.ErrorNameServiceUnknown},
		{"app_error", "/echo", server.UniqueName(), echoName, "Fail", nil, msgbus.ErrReplyIsErrorMessage, "org.example.Error.Nope"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if client.Interface(echoName) == nil {
				defineEcho(t, client, false)
			}
			p := client.Proxy(tc.dest, tc.path, 0)
			if err := p.AddInterfaceByName(tc.iface); err != nil {
				t.Fatal(err)
			}
			reply, err := p.MethodCall(ctx, tc.iface, tc.method, tc.args)
			if !errors.Is(err, tc.want) {
				t.Fatalf("call err = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, msgbus.ErrReplyIsErrorMessage) {
				t.Errorf("call err = %v, want a CallError", err)
			}
			var ce msgbus.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("call err %v is not a CallError", err)
			}
			if ce.Name != tc.errName {
				t.Errorf("error name = %q, want %q", ce.Name, tc.errName)
			}
			if reply == nil || reply.Type != msgbus.MessageError {
				t.Errorf("reply = %v, want the error message", reply)
			}
		})
	}

	// A client whose idea of the interface differs from the server's.
	skewed := msgbus.NewInterface(echoName, false)
	skewed.AddMethod("Nope", "", "", "", 0)
	skewed.AddMethod("Cat", "s", "s", "", 0)
	skewed.Activate()
	p := client.Proxy(server.UniqueName(), "/echo", 0)
	if err := p.AddInterface(skewed); err != nil {
		t.Fatal(err)
	}
	if _, err := p.MethodCall(ctx, echoName, "Nope", nil); !errors.Is(err, msgbus.ErrUnknownMethod) {
		t.Errorf("Nope err = %v, want ErrUnknownMethod", err)
	}
	if _, err := p.MethodCall(ctx, echoName, "Cat", []msgbus.Value{msgbus.MakeString("a")}); !errors.Is(err, msgbus.ErrInvalidArgs) {
		t.Errorf("Cat(s) err = %v, want ErrInvalidArgs", err)
	}
}

func TestSignals(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	echo := newEchoServer(t, server, "/echo", false)
	other := msgbus.NewBusObject("/other")
	if err := other.AddInterface(echo.iface); err != nil {
		t.Fatal(err)
	}
	if err := server.RegisterBusObject(other); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	iface := defineEcho(t, client, false)
	echoed, _ := iface.Member("Echoed")
	all := make(chan string, 10)
	fromEcho := make(chan string, 10)
	handler := func(ch chan string) msgbus.SignalHandler {
		return msgbus.NewSignalHandler(func(ctx context.Context, member *msgbus.Member, path msgbus.ObjectPath, msg *msgbus.Message) {
			var what string
			msg.Unpack("s", &what)
			ch <- string(path) + ":" + what
		})
	}
	hAll, hEcho := handler(all), handler(fromEcho)
	if err := client.RegisterSignalHandler(ctx, nil, hAll, echoed, ""); err != nil {
		t.Fatalf("RegisterSignalHandler: %v", err)
	}
	if err := client.RegisterSignalHandler(ctx, nil, hEcho, echoed, "/echo"); err != nil {
		t.Fatalf("RegisterSignalHandler: %v", err)
	}

	serverEchoed, _ := echo.iface.Member("Echoed")
	emit := func(obj *msgbus.BusObject, what string) {
		t.Helper()
		if err := obj.Signal("", 0, serverEchoed, []msgbus.Value{msgbus.MakeString(what)}, 0, 0); err != nil {
			t.Fatalf("Signal: %v", err)
		}
	}
	emit(echo.obj, "one")
	emit(other, "two")
	if got := recv(t, all); got != "/echo:one" {
		t.Errorf("got %q, want /echo:one", got)
	}
	if got := recv(t, all); got != "/other:two" {
		t.Errorf("got %q, want /other:two", got)
	}
	if got := recv(t, fromEcho); got != "/echo:one" {
		t.Errorf("got %q, want /echo:one", got)
	}
	noRecv(t, fromEcho)

	// Wrong signature is rejected before sending.
	if err := echo.obj.Signal("", 0, serverEchoed, []msgbus.Value{msgbus.MakeUint32(1)}, 0, 0); !errors.Is(err, msgbus.ErrSignatureMismatch) {
		t.Errorf("Signal with bad args err = %v, want ErrSignatureMismatch", err)
	}

	if err := client.UnregisterSignalHandler(ctx, nil, hAll, echoed, ""); err != nil {
		t.Fatalf("UnregisterSignalHandler: %v", err)
	}
	if err := client.UnregisterSignalHandler(ctx, nil, hAll, echoed, ""); !errors.Is(err, msgbus.ErrNoSuchHandler) {
		t.Errorf("second UnregisterSignalHandler err = %v, want ErrNoSuchHandler", err)
	}
	emit(echo.obj, "three")
	if got := recv(t, fromEcho); got != "/echo:three" {
		t.Errorf("got %q, want /echo:three", got)
	}
	noRecv(t, all)

	if err := client.UnregisterAllHandlers(ctx, nil); err != nil {
		t.Fatalf("UnregisterAllHandlers: %v", err)
	}
	emit(echo.obj, "four")
	noRecv(t, fromEcho)
}

func TestSignalReceivers(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	echo := newEchoServer(t, server, "/echo", false)
	ctx := context.Background()

	iface := defineEcho(t, client, false)
	echoed, _ := iface.Member("Echoed")
	type receiver struct{ name string }
	recvA, recvB := &receiver{"a"}, &receiver{"b"}
	gotA, gotB := make(chan string, 10), make(chan string, 10)
	handler := func(ch chan string) msgbus.SignalHandler {
		return msgbus.NewSignalHandler(func(ctx context.Context, member *msgbus.Member, path msgbus.ObjectPath, msg *msgbus.Message) {
			var what string
			msg.Unpack("s", &what)
			ch <- what
		})
	}
	hA, hB := handler(gotA), handler(gotB)
	if err := client.RegisterSignalHandler(ctx, recvA, hA, echoed, "/echo"); err != nil {
		t.Fatal(err)
	}
	if err := client.RegisterSignalHandler(ctx, recvB, hB, echoed, ""); err != nil {
		t.Fatal(err)
	}

	serverEchoed, _ := echo.iface.Member("Echoed")
	emit := func(what string) {
		t.Helper()
		if err := echo.obj.Signal("", 0, serverEchoed, []msgbus.Value{msgbus.MakeString(what)}, 0, 0); err != nil {
			t.Fatalf("Signal: %v", err)
		}
	}

	// An empty path only matches a registration without a path.
	if err := client.UnregisterSignalHandler(ctx, recvA, hA, echoed, ""); !errors.Is(err, msgbus.ErrNoSuchHandler) {
		t.Errorf("UnregisterSignalHandler without path err = %v, want ErrNoSuchHandler", err)
	}
	// The receiver must match too.
	if err := client.UnregisterSignalHandler(ctx, recvB, hA, echoed, "/echo"); !errors.Is(err, msgbus.ErrNoSuchHandler) {
		t.Errorf("UnregisterSignalHandler with other receiver err = %v, want ErrNoSuchHandler", err)
	}
	emit("one")
	if got := recv(t, gotA); got != "one" {
		t.Errorf("a got %q, want one", got)
	}
	if got := recv(t, gotB); got != "one" {
		t.Errorf("b got %q, want one", got)
	}

	// Removing one receiver's handlers leaves the other's alone.
	if err := client.UnregisterAllHandlers(ctx, recvA); err != nil {
		t.Fatalf("UnregisterAllHandlers(a): %v", err)
	}
	emit("two")
	if got := recv(t, gotB); got != "two" {
		t.Errorf("b got %q, want two", got)
	}
	noRecv(t, gotA)

	if err := client.UnregisterAllHandlers(ctx, recvB); err != nil {
		t.Fatalf("UnregisterAllHandlers(b): %v", err)
	}
	emit("three")
	noRecv(t, gotB)
}

func TestProperties(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/echo", false)
	p := echoProxy(t, client, server, "/echo", 0)
	ctx := context.Background()

	changes := make(chan string, 10)
	props := client.Proxy(server.UniqueName(), "/echo", 0).Interface(msgbus.PropertiesInterface)
	changed, ok := props.Member("PropertiesChanged")
	if !ok {
		t.Fatal("no PropertiesChanged signal")
	}
	h := msgbus.NewSignalHandler(func(ctx context.Context, member *msgbus.Member, path msgbus.ObjectPath, msg *msgbus.Message) {
		var (
			iface string
			vals  map[string]msgbus.Value
			inval []string
		)
		if err := msg.Unpack("sa{sv}as", &iface, &vals, &inval); err != nil {
			t.Errorf("unpacking PropertiesChanged: %v", err)
			return
		}
		var greeting string
		vals["Greeting"].Get("s", &greeting)
		changes <- iface + ":" + greeting
	})
	if err := client.RegisterSignalHandler(ctx, nil, h, changed, "/echo"); err != nil {
		t.Fatal(err)
	}

	v, err := p.GetProperty(ctx, echoName, "Greeting")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if !v.Equal(msgbus.MakeString("hello")) {
		t.Errorf("Greeting = %v, want hello", v)
	}

	if err := p.SetProperty(ctx, echoName, "Greeting", msgbus.MakeString("howdy")); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if got, want := recv(t, changes), echoName+":howdy"; got != want {
		t.Errorf("PropertiesChanged = %q, want %q", got, want)
	}

	all, err := p.GetAllProperties(ctx, echoName)
	if err != nil {
		t.Fatalf("GetAllProperties: %v", err)
	}
	var got map[string]msgbus.Value
	if err := all.Get("a{sv}", &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]msgbus.Value{
		"Count":    msgbus.MakeVariant(msgbus.MakeUint32(5)),
		"Greeting": msgbus.MakeVariant(msgbus.MakeString("howdy")),
	}
	if diff := cmp.Diff(got, want, cmp.Comparer(msgbus.Equal)); diff != "" {
		t.Errorf("GetAllProperties (-got+want):\n%s", diff)
	}

	if err := p.SetProperty(ctx, echoName, "Greeting", msgbus.MakeUint32(1)); !errors.Is(err, msgbus.ErrSignatureMismatch) {
		t.Errorf("SetProperty with wrong type err = %v, want ErrSignatureMismatch", err)
	}
	if err := p.SetProperty(ctx, echoName, "Count", msgbus.MakeUint32(1)); !errors.Is(err, msgbus.ErrAccessDenied) {
		t.Errorf("SetProperty of read only property err = %v, want ErrAccessDenied", err)
	}
	if _, err := p.GetProperty(ctx, echoName, "Nope"); !errors.Is(err, msgbus.ErrUnknownProperty) {
		t.Errorf("GetProperty of unknown property err = %v, want ErrUnknownProperty", err)
	}
	if _, err := p.GetProperty(ctx, "org.example.Nope", "Greeting"); !errors.Is(err, msgbus.ErrUnknownInterface) {
		t.Errorf("GetProperty of unknown interface err = %v, want ErrUnknownInterface", err)
	}
}

func TestIntrospectRemote(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/a/echo", false)
	newEchoServerOnly(t, server, "/a/b/deep")
	ctx := context.Background()

	root := client.Proxy(server.UniqueName(), "/a", 0)
	if err := root.IntrospectRemote(ctx); err != nil {
		t.Fatalf("IntrospectRemote(/a): %v", err)
	}
	var children []string
	for _, c := range root.Children() {
		children = append(children, string(c.Path()))
	}
	if diff := cmp.Diff(children, []string{"/a/b", "/a/echo"}); diff != "" {
		t.Errorf("children of /a (-got+want):\n%s", diff)
	}

	echo := client.Proxy(server.UniqueName(), "/a/echo", 0)
	if err := echo.IntrospectRemote(ctx); err != nil {
		t.Fatalf("IntrospectRemote(/a/echo): %v", err)
	}
	iface := echo.Interface(echoName)
	if iface == nil {
		t.Fatal("introspection did not find the echo interface")
	}
	if !iface.HasMember("Cat", "ss", "s") || !iface.HasProperty("Greeting") {
		t.Errorf("introspected interface is incomplete:\n%s", iface.Introspect(0))
	}
	reply, err := echo.Call(ctx, echoName, "Cat", "in", "trospect")
	if err != nil {
		t.Fatalf("Cat through introspected proxy: %v", err)
	}
	var got string
	reply.Unpack("s", &got)
	if got != "introspect" {
		t.Errorf("Cat = %q, want introspect", got)
	}
}

// newEchoServerOnly registers a second echo object on a conn that
// already defines the echo interface.
func newEchoServerOnly(t *testing.T, conn *msgbus.Conn, path msgbus.ObjectPath) {
	t.Helper()
	obj := msgbus.NewBusObject(path)
	if err := obj.AddInterface(conn.Interface(echoName)); err != nil {
		t.Fatal(err)
	}
	if err := conn.RegisterBusObject(obj); err != nil {
		t.Fatal(err)
	}
	if err := conn.RegisterBusObject(msgbus.NewBusObject(path)); !errors.Is(err, msgbus.ErrObjectExists) {
		t.Errorf("registering %s twice err = %v, want ErrObjectExists", path, err)
	}
}

func TestPeer(t *testing.T) {
	b := bustest.New(t, nil)
	a, c := b.MustConn(t), b.MustConn(t)
	ctx := context.Background()

	if err := a.Ping(ctx, c.UniqueName()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := a.Ping(ctx, ":1.9999"); !errors.Is(err, msgbus.ErrServiceUnknown) {
		t.Errorf("Ping of absent peer err = %v, want ErrServiceUnknown", err)
	}
	id, err := a.PeerMachineID(ctx, c.UniqueName())
	if err != nil {
		t.Fatalf("PeerMachineID: %v", err)
	}
	if id == "" {
		t.Error("PeerMachineID returned an empty ID")
	}
}

func TestConnClose(t *testing.T) {
	b := bustest.New(t, nil)
	server, client := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, server, "/echo", false)
	p := echoProxy(t, client, server, "/echo", 0)

	results := make(chan error, 1)
	err := p.MethodCallAsync(context.Background(), echoName, "Stall", []msgbus.Value{msgbus.MakeUint32(1)}, func(ctx context.Context, reply *msgbus.Message, err error) {
		results <- err
	})
	if err != nil {
		t.Fatal(err)
	}
	client.Close()
	if err := recv(t, results); !errors.Is(err, msgbus.ErrDisconnected) {
		t.Errorf("pending call err = %v, want ErrDisconnected", err)
	}
	recv(t, client.Done())
	if client.IsConnected() {
		t.Error("closed conn reports connected")
	}
	if _, err := p.Call(context.Background(), echoName, "Cat", "a", "b"); !errors.Is(err, msgbus.ErrDisconnected) {
		t.Errorf("call on closed conn err = %v, want ErrDisconnected", err)
	}
}
