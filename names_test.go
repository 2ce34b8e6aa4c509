package msgbus_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/bustest"
)

type ownerChange struct {
	name, oldOwner, newOwner string
}

func TestNames(t *testing.T) {
	b := bustest.New(t, nil)
	a, c, watcher := b.MustConn(t), b.MustConn(t), b.MustConn(t)
	ctx := context.Background()

	changes := make(chan ownerChange, 20)
	l := &msgbus.BusListenerFuncs{
		OwnerChanged: func(name, oldOwner, newOwner string) {
			if name == "org.example.Name" {
				changes <- ownerChange{name, oldOwner, newOwner}
			}
		},
	}
	if err := watcher.RegisterBusListener(ctx, l); err != nil {
		t.Fatalf("RegisterBusListener: %v", err)
	}

	const name = "org.example.Name"
	primary, err := a.RequestName(ctx, name, 0)
	if err != nil || !primary {
		t.Fatalf("RequestName(a) = %v, %v, want primary owner", primary, err)
	}
	if got, want := recv(t, changes), (ownerChange{name, "", a.UniqueName()}); got != want {
		t.Errorf("owner change = %v, want %v", got, want)
	}
	primary, err = a.RequestName(ctx, name, 0)
	if err != nil || !primary {
		t.Errorf("second RequestName(a) = %v, %v, want already owner", primary, err)
	}

	if _, err := c.RequestName(ctx, name, msgbus.NameRequestNoQueue); !errors.Is(err, msgbus.ErrNameNotAvailable) {
		t.Errorf("RequestName(c, no queue) err = %v, want ErrNameNotAvailable", err)
	}
	primary, err = c.RequestName(ctx, name, 0)
	if err != nil || primary {
		t.Fatalf("RequestName(c) = %v, %v, want queued", primary, err)
	}

	owner, err := watcher.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != a.UniqueName() {
		t.Errorf("owner of %s = %q, want %q", name, owner, a.UniqueName())
	}
	names, err := watcher.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	for _, want := range []string{msgbus.RouterName, name, a.UniqueName(), c.UniqueName(), watcher.UniqueName()} {
		if !slices.Contains(names, want) {
			t.Errorf("ListNames is missing %q: %q", want, names)
		}
	}

	// Calls to the well-known name reach its owner.
	if err := watcher.Ping(ctx, name); err != nil {
		t.Errorf("Ping(%s): %v", name, err)
	}

	// Releasing hands the name to the queue.
	if err := a.ReleaseName(ctx, name); err != nil {
		t.Fatalf("ReleaseName(a): %v", err)
	}
	if got, want := recv(t, changes), (ownerChange{name, a.UniqueName(), c.UniqueName()}); got != want {
		t.Errorf("owner change = %v, want %v", got, want)
	}
	if err := a.ReleaseName(ctx, name); !errors.Is(err, msgbus.ErrAccessDenied) {
		t.Errorf("ReleaseName by non-owner err = %v, want ErrAccessDenied", err)
	}

	// The owner disconnecting releases the name.
	c.Close()
	if got, want := recv(t, changes), (ownerChange{name, c.UniqueName(), ""}); got != want {
		t.Errorf("owner change = %v, want %v", got, want)
	}
	has, err := watcher.NameHasOwner(ctx, name)
	if err != nil || has {
		t.Errorf("NameHasOwner after disconnect = %v, %v, want false", has, err)
	}
	if _, err := watcher.GetNameOwner(ctx, name); !errors.Is(err, msgbus.ErrServiceUnknown) {
		t.Errorf("GetNameOwner of unowned name err = %v, want ErrServiceUnknown", err)
	}
	if err := watcher.ReleaseName(ctx, name); !errors.Is(err, msgbus.ErrServiceUnknown) {
		t.Errorf("ReleaseName of unowned name err = %v, want ErrServiceUnknown", err)
	}
}

func TestNameReplacement(t *testing.T) {
	b := bustest.New(t, nil)
	a, c := b.MustConn(t), b.MustConn(t)
	ctx := context.Background()
	const name = "org.example.Replaceable"

	if _, err := a.RequestName(ctx, name, msgbus.NameRequestAllowReplacement); err != nil {
		t.Fatal(err)
	}
	primary, err := c.RequestName(ctx, name, msgbus.NameRequestReplace)
	if err != nil || !primary {
		t.Fatalf("replacing RequestName = %v, %v, want primary owner", primary, err)
	}
	owner, err := a.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if owner != c.UniqueName() {
		t.Errorf("owner = %q, want %q", owner, c.UniqueName())
	}

	// The replaced owner waits in the queue.
	if err := c.ReleaseName(ctx, name); err != nil {
		t.Fatal(err)
	}
	owner, err = c.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if owner != a.UniqueName() {
		t.Errorf("owner after release = %q, want %q", owner, a.UniqueName())
	}
}

type advertEvent struct {
	found  bool
	name   string
	prefix string
}

func TestAdvertise(t *testing.T) {
	b := bustest.New(t, nil)
	host, early, late := b.MustConn(t), b.MustConn(t), b.MustConn(t)
	ctx := context.Background()

	listen := func(conn *msgbus.Conn) chan advertEvent {
		ch := make(chan advertEvent, 10)
		l := &msgbus.BusListenerFuncs{
			Found: func(name string, _ msgbus.TransportMask, prefix string) {
				ch <- advertEvent{true, name, prefix}
			},
			Lost: func(name string, _ msgbus.TransportMask, prefix string) {
				ch <- advertEvent{false, name, prefix}
			},
		}
		if err := conn.RegisterBusListener(ctx, l); err != nil {
			t.Fatalf("RegisterBusListener: %v", err)
		}
		return ch
	}
	earlyEvents, lateEvents := listen(early), listen(late)

	if err := early.FindAdvertisedName(ctx, "org.example"); err != nil {
		t.Fatalf("FindAdvertisedName: %v", err)
	}
	if err := early.FindAdvertisedName(ctx, "org.example"); !errors.Is(err, msgbus.ErrObjectExists) {
		t.Errorf("duplicate FindAdvertisedName err = %v, want ErrObjectExists", err)
	}

	const name = "org.example.Advertised"
	if _, err := host.RequestName(ctx, name, 0); err != nil {
		t.Fatal(err)
	}
	if err := host.AdvertiseName(ctx, name, msgbus.TransportAny); err != nil {
		t.Fatalf("AdvertiseName: %v", err)
	}
	if got, want := recv(t, earlyEvents), (advertEvent{true, name, "org.example"}); got != want {
		t.Errorf("early finder got %v, want %v", got, want)
	}

	// A search started after the advertisement still finds it.
	if err := late.FindAdvertisedName(ctx, "org.example.Adv"); err != nil {
		t.Fatalf("FindAdvertisedName: %v", err)
	}
	if got, want := recv(t, lateEvents), (advertEvent{true, name, "org.example.Adv"}); got != want {
		t.Errorf("late finder got %v, want %v", got, want)
	}

	if err := late.CancelFindAdvertisedName(ctx, "org.example.Adv"); err != nil {
		t.Fatalf("CancelFindAdvertisedName: %v", err)
	}
	if err := host.CancelAdvertiseName(ctx, name, msgbus.TransportAny); err != nil {
		t.Fatalf("CancelAdvertiseName: %v", err)
	}
	if got, want := recv(t, earlyEvents), (advertEvent{false, name, "org.example"}); got != want {
		t.Errorf("early finder got %v, want %v", got, want)
	}
	noRecv(t, lateEvents)
	if err := host.CancelAdvertiseName(ctx, name, msgbus.TransportAny); !errors.Is(err, msgbus.ErrElementNotFound) {
		t.Errorf("second CancelAdvertiseName err = %v, want ErrElementNotFound", err)
	}

	// Disconnecting withdraws advertisements.
	if err := host.AdvertiseName(ctx, name, msgbus.TransportAny); err != nil {
		t.Fatal(err)
	}
	recv(t, earlyEvents)
	host.Close()
	if got, want := recv(t, earlyEvents), (advertEvent{false, name, "org.example"}); got != want {
		t.Errorf("early finder got %v, want %v", got, want)
	}
}

func TestBusDisconnected(t *testing.T) {
	b := bustest.New(t, nil)
	conn := b.MustConn(t)
	gone := make(chan bool, 1)
	err := conn.RegisterBusListener(context.Background(), &msgbus.BusListenerFuncs{
		Disconnected: func() { gone <- true },
	})
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	recv(t, gone)
	if _, err := conn.RequestName(context.Background(), "org.example.Late", 0); err == nil {
		t.Error("RequestName on closed conn succeeded")
	}
}
