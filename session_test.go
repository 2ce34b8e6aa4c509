package msgbus_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/bustest"
	"github.com/danderson/msgbus/keystore"
)

type joined struct {
	port   msgbus.SessionPort
	id     msgbus.SessionID
	joiner string
}

type lost struct {
	id     msgbus.SessionID
	reason msgbus.SessionLostReason
}

type memberEvent struct {
	added  bool
	member string
}

func sessionListener(lostCh chan lost, members chan memberEvent) *msgbus.SessionFuncs {
	return &msgbus.SessionFuncs{
		Lost: func(id msgbus.SessionID, reason msgbus.SessionLostReason) {
			lostCh <- lost{id, reason}
		},
		MemberAdded: func(id msgbus.SessionID, member string) {
			if members != nil {
				members <- memberEvent{true, member}
			}
		},
		MemberRemoved: func(id msgbus.SessionID, member string) {
			if members != nil {
				members <- memberEvent{false, member}
			}
		},
	}
}

func TestSessionPointToPoint(t *testing.T) {
	b := bustest.New(t, nil)
	host, joiner := b.MustConn(t), b.MustConn(t)
	newEchoServer(t, host, "/echo", false)
	ctx := context.Background()

	joins := make(chan joined, 10)
	accept := atomic.NewBool(true)
	port, err := host.BindSessionPort(ctx, 42, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{
		Accept: func(port msgbus.SessionPort, joiner string, opts msgbus.SessionOpts) bool {
			return accept.Load()
		},
		Joined: func(port msgbus.SessionPort, id msgbus.SessionID, joiner string) {
			joins <- joined{port, id, joiner}
		},
	})
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if port != 42 {
		t.Errorf("bound port = %d, want 42", port)
	}
	if _, err := host.BindSessionPort(ctx, 42, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{}); !errors.Is(err, msgbus.ErrSessionPortInUse) {
		t.Errorf("binding port 42 twice err = %v, want ErrSessionPortInUse", err)
	}

	lostCh := make(chan lost, 10)
	id, opts, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), sessionListener(lostCh, nil))
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if id == 0 {
		t.Error("JoinSession returned session ID 0")
	}
	if diff := cmp.Diff(opts, msgbus.DefaultSessionOpts()); diff != "" {
		t.Errorf("negotiated options (-got+want):\n%s", diff)
	}
	if got, want := recv(t, joins), (joined{port, id, joiner.UniqueName()}); got != want {
		t.Errorf("host saw join %v, want %v", got, want)
	}
	if _, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil); !errors.Is(err, msgbus.ErrAlreadyJoined) {
		t.Errorf("second JoinSession err = %v, want ErrAlreadyJoined", err)
	}

	// Calls and signals travel in the session.
	p := echoProxy(t, joiner, host, "/echo", id)
	reply, err := p.Call(ctx, echoName, "Cat", "in", "session")
	if err != nil {
		t.Fatalf("Cat in session: %v", err)
	}
	if reply.SessionID != id {
		t.Errorf("reply session = %d, want %d", reply.SessionID, id)
	}

	// Joining needs compatible options, a bound port, and the host's
	// approval.
	other := b.MustConn(t)
	raw := msgbus.DefaultSessionOpts()
	raw.Traffic = msgbus.TrafficRawReliable
	if _, _, err := other.JoinSession(ctx, host.UniqueName(), port, raw, nil); !errors.Is(err, msgbus.ErrSessionOptsIncompatible) {
		t.Errorf("JoinSession with raw traffic err = %v, want ErrSessionOptsIncompatible", err)
	}
	if _, _, err := other.JoinSession(ctx, host.UniqueName(), 43, msgbus.DefaultSessionOpts(), nil); !errors.Is(err, msgbus.ErrNoSession) {
		t.Errorf("JoinSession on unbound port err = %v, want ErrNoSession", err)
	}
	accept.Store(false)
	if _, _, err := other.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil); !errors.Is(err, msgbus.ErrJoinRejected) {
		t.Errorf("rejected JoinSession err = %v, want ErrJoinRejected", err)
	}

	if err := host.LeaveSession(ctx, id); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if got, want := recv(t, lostCh), (lost{id, msgbus.SessionLostRemoteEndLeft}); got != want {
		t.Errorf("joiner saw %v, want %v", got, want)
	}
	if err := host.LeaveSession(ctx, id); !errors.Is(err, msgbus.ErrNoSession) {
		t.Errorf("second LeaveSession err = %v, want ErrNoSession", err)
	}
	if got := joiner.Sessions(); len(got) != 0 {
		t.Errorf("joiner still in sessions %v", got)
	}

	if err := host.UnbindSessionPort(ctx, port); err != nil {
		t.Fatalf("UnbindSessionPort: %v", err)
	}
	if _, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil); !errors.Is(err, msgbus.ErrNoSession) {
		t.Errorf("JoinSession after unbind err = %v, want ErrNoSession", err)
	}
}

func TestSessionAnyPort(t *testing.T) {
	b := bustest.New(t, nil)
	host := b.MustConn(t)
	ctx := context.Background()
	a, err := host.BindSessionPort(ctx, msgbus.SessionPortAny, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := host.BindSessionPort(ctx, msgbus.SessionPortAny, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{})
	if err != nil {
		t.Fatal(err)
	}
	if a == 0 || c == 0 || a == c {
		t.Errorf("automatic ports = %d, %d, want distinct non-zero ports", a, c)
	}
}

func TestSessionMultipoint(t *testing.T) {
	b := bustest.New(t, nil)
	host, j1, j2 := b.MustConn(t), b.MustConn(t), b.MustConn(t)
	ctx := context.Background()

	hostLost := make(chan lost, 10)
	hostMembers := make(chan memberEvent, 10)
	l := sessionListener(hostLost, hostMembers)
	opts := msgbus.DefaultSessionOpts()
	opts.Multipoint = true
	port, err := host.BindSessionPort(ctx, 7, opts, &msgbus.SessionPortFuncs{
		Joined: func(port msgbus.SessionPort, id msgbus.SessionID, joiner string) {
			if err := host.SetSessionListener(id, l); err != nil {
				t.Errorf("SetSessionListener: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id1, got, err := j1.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil)
	if err != nil {
		t.Fatalf("JoinSession(j1): %v", err)
	}
	if !got.Multipoint {
		t.Error("negotiated options are not multipoint")
	}
	if got, want := recv(t, hostMembers), (memberEvent{true, j1.UniqueName()}); got != want {
		t.Errorf("host saw %v, want %v", got, want)
	}
	id2, _, err := j2.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil)
	if err != nil {
		t.Fatalf("JoinSession(j2): %v", err)
	}
	if id1 != id2 {
		t.Errorf("multipoint joiners got sessions %d and %d, want the same", id1, id2)
	}
	if got, want := recv(t, hostMembers), (memberEvent{true, j2.UniqueName()}); got != want {
		t.Errorf("host saw %v, want %v", got, want)
	}

	if err := j2.LeaveSession(ctx, id2); err != nil {
		t.Fatalf("LeaveSession(j2): %v", err)
	}
	if got, want := recv(t, hostMembers), (memberEvent{false, j2.UniqueName()}); got != want {
		t.Errorf("host saw %v, want %v", got, want)
	}
	noRecv(t, hostLost)

	// The session ends with its last joiner.
	j1.Close()
	if got, want := recv(t, hostLost), (lost{id1, msgbus.SessionLostRemoteEndClosed}); got != want {
		t.Errorf("host saw %v, want %v", got, want)
	}
}

type authResult struct {
	peer    string
	success bool
}

func pinListener(pin string, results chan authResult) *msgbus.AuthListenerFuncs {
	return &msgbus.AuthListenerFuncs{
		Request: func(mech, peer string, attempt int, user string) (msgbus.AuthCredentials, bool) {
			return msgbus.AuthCredentials{Password: pin}, true
		},
		Complete: func(mech, peer string, success bool) {
			if results != nil {
				results <- authResult{peer, success}
			}
		},
	}
}

func TestPeerSecurity(t *testing.T) {
	b := bustest.New(t, nil)
	host := b.MustConn(t)
	echo := newEchoServer(t, host, "/echo", true)
	ctx := context.Background()

	hostResults := make(chan authResult, 10)
	if err := host.EnablePeerSecurity(msgbus.MechPINKeyX, pinListener("1234", hostResults), keystore.NewMemory()); err != nil {
		t.Fatalf("EnablePeerSecurity: %v", err)
	}
	port, err := host.BindSessionPort(ctx, 1, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("good_pin", func(t *testing.T) {
		joiner := b.MustConn(t)
		keys, err := keystore.OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		defer keys.Close()
		if err := joiner.EnablePeerSecurity(msgbus.MechPINKeyX, pinListener("1234", nil), keys); err != nil {
			t.Fatal(err)
		}
		id, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil)
		if err != nil {
			t.Fatalf("JoinSession: %v", err)
		}
		if got, want := recv(t, hostResults), (authResult{joiner.UniqueName(), true}); got != want {
			t.Errorf("host auth result = %v, want %v", got, want)
		}
		if _, ok, err := keys.Load(host.GUID()); err != nil || !ok {
			t.Errorf("joiner did not cache the host's key: %v, %v", ok, err)
		}

		p := echoProxy(t, joiner, host, "/echo", id)
		if _, err := p.Call(ctx, echoName, "Cat", "se", "cure"); err != nil {
			t.Errorf("secure call from authenticated peer: %v", err)
		}
	})

	t.Run("bad_pin", func(t *testing.T) {
		joiner := b.MustConn(t)
		if err := joiner.EnablePeerSecurity(msgbus.MechPINKeyX, pinListener("0000", nil), nil); err != nil {
			t.Fatal(err)
		}
		_, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil)
		if !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("JoinSession with wrong PIN err = %v, want ErrAuthenticationFailed", err)
		}
		if got, want := recv(t, hostResults), (authResult{joiner.UniqueName(), false}); got != want {
			t.Errorf("host auth result = %v, want %v", got, want)
		}
	})

	t.Run("no_security", func(t *testing.T) {
		joiner := b.MustConn(t)
		_, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), nil)
		if !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("JoinSession without peer security err = %v, want ErrAuthenticationFailed", err)
		}
		recv(t, hostResults)

		// Secure interfaces refuse unauthenticated callers.
		p := echoProxy(t, joiner, host, "/echo", 0)
		_, err = p.Call(ctx, echoName, "Cat", "in", "secure")
		if !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("secure call from unauthenticated peer err = %v, want ErrAuthenticationFailed", err)
		}

		// So do the secure interface's properties.
		if v, err := p.GetProperty(ctx, echoName, "Greeting"); !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("GetProperty from unauthenticated peer = %v, %v, want ErrAuthenticationFailed", v, err)
		}
		if _, err := p.GetAllProperties(ctx, echoName); !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("GetAllProperties from unauthenticated peer err = %v, want ErrAuthenticationFailed", err)
		}
		if err := p.SetProperty(ctx, echoName, "Greeting", msgbus.MakeString("pwned")); !errors.Is(err, msgbus.ErrAuthenticationFailed) {
			t.Errorf("SetProperty from unauthenticated peer err = %v, want ErrAuthenticationFailed", err)
		}
		// Ping the host so any stray Set would have been handled.
		if err := joiner.Ping(ctx, host.UniqueName()); err != nil {
			t.Fatal(err)
		}
		if echo.greeting != "hello" {
			t.Errorf("greeting = %q after refused SetProperty, want hello", echo.greeting)
		}
	})
}

func TestEnablePeerSecurityErrors(t *testing.T) {
	b := bustest.New(t, nil)
	conn := b.MustConn(t)
	if err := conn.EnablePeerSecurity("", &msgbus.AuthListenerFuncs{}, nil); !errors.Is(err, msgbus.ErrInvalidArgs) {
		t.Errorf("no mechanisms err = %v, want ErrInvalidArgs", err)
	}
	if err := conn.EnablePeerSecurity("ALLJOYN_SRP_KEYX", &msgbus.AuthListenerFuncs{}, nil); !errors.Is(err, msgbus.ErrInvalidArgs) {
		t.Errorf("unsupported mechanism err = %v, want ErrInvalidArgs", err)
	}
	if err := conn.EnablePeerSecurity(msgbus.MechPINKeyX, nil, nil); !errors.Is(err, msgbus.ErrInvalidArgs) {
		t.Errorf("nil listener err = %v, want ErrInvalidArgs", err)
	}
	if conn.IsPeerSecurityEnabled() {
		t.Error("peer security enabled after failed calls")
	}
}

func TestSessionLostRightAfterJoin(t *testing.T) {
	b := bustest.New(t, nil)
	host := b.MustConn(t)
	ctx := context.Background()

	// The host leaves as soon as anyone joins, so the joiner hears
	// SessionLost right behind the join reply.
	port, err := host.BindSessionPort(ctx, 9, msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{
		Joined: func(port msgbus.SessionPort, id msgbus.SessionID, joiner string) {
			if err := host.LeaveSession(ctx, id); err != nil {
				t.Errorf("host LeaveSession: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("sync", func(t *testing.T) {
		joiner := b.MustConn(t)
		lostCh := make(chan lost, 1)
		id, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), sessionListener(lostCh, nil))
		if err != nil {
			t.Fatalf("JoinSession: %v", err)
		}
		if got, want := recv(t, lostCh), (lost{id, msgbus.SessionLostRemoteEndLeft}); got != want {
			t.Errorf("joiner saw %v, want %v", got, want)
		}
		if got := joiner.Sessions(); len(got) != 0 {
			t.Errorf("joiner still in sessions %v", got)
		}
	})

	t.Run("async", func(t *testing.T) {
		joiner := b.MustConn(t)
		lostCh := make(chan lost, 1)
		ids := make(chan msgbus.SessionID, 1)
		err := joiner.JoinSessionAsync(ctx, host.UniqueName(), port, msgbus.DefaultSessionOpts(), sessionListener(lostCh, nil),
			func(ctx context.Context, id msgbus.SessionID, opts msgbus.SessionOpts, err error) {
				if err != nil {
					t.Errorf("JoinSessionAsync: %v", err)
				}
				ids <- id
			})
		if err != nil {
			t.Fatalf("JoinSessionAsync: %v", err)
		}
		id := recv(t, ids)
		if got, want := recv(t, lostCh), (lost{id, msgbus.SessionLostRemoteEndLeft}); got != want {
			t.Errorf("joiner saw %v, want %v", got, want)
		}
		if got := joiner.Sessions(); len(got) != 0 {
			t.Errorf("joiner still in sessions %v", got)
		}
	})
}

func TestJoinSessionAsyncNilHandler(t *testing.T) {
	b := bustest.New(t, nil)
	host, joiner := b.MustConn(t), b.MustConn(t)
	err := joiner.JoinSessionAsync(context.Background(), host.UniqueName(), 1, msgbus.DefaultSessionOpts(), nil, nil)
	if !errors.Is(err, msgbus.ErrInvalidArgs) {
		t.Errorf("JoinSessionAsync with nil handler err = %v, want ErrInvalidArgs", err)
	}
}
