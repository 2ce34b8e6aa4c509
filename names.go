package msgbus

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// ErrNameNotAvailable is returned by RequestName when the name is owned
// by another connection, and the request asked not to be queued.
var ErrNameNotAvailable = errors.New("requested name not available")

// RequestName asks the router to assign name to the connection.
//
// isPrimaryOwner is false if the connection was placed in the queue
// for the name, and will become the owner when the current owner
// releases it.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	reply, err := c.callRouter(ctx, "RequestName", name, uint32(flags))
	if err != nil {
		return false, err
	}
	var resp uint32
	if err := reply.Unpack("u", &resp); err != nil {
		return false, err
	}
	switch resp {
	case RequestNamePrimaryOwner, RequestNameAlreadyOwner:
		return true, nil
	case RequestNameInQueue:
		return false, nil
	case RequestNameExists:
		return false, fmt.Errorf("%w: %s", ErrNameNotAvailable, name)
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName gives up ownership of name, or leaves its queue.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	reply, err := c.callRouter(ctx, "ReleaseName", name)
	if err != nil {
		return err
	}
	var resp uint32
	if err := reply.Unpack("u", &resp); err != nil {
		return err
	}
	switch resp {
	case ReleaseNameReleased:
		return nil
	case ReleaseNameNonExistent:
		return fmt.Errorf("%w: %s", ErrServiceUnknown, name)
	case ReleaseNameNotOwner:
		return fmt.Errorf("%w: not an owner of %s", ErrAccessDenied, name)
	default:
		return fmt.Errorf("unknown response code %d to ReleaseName", resp)
	}
}

// NameHasOwner reports whether name is currently owned.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	reply, err := c.callRouter(ctx, "NameHasOwner", name)
	if err != nil {
		return false, err
	}
	var ret bool
	if err := reply.Unpack("b", &ret); err != nil {
		return false, err
	}
	return ret, nil
}

// GetNameOwner returns the unique name of the owner of name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	reply, err := c.callRouter(ctx, "GetNameOwner", name)
	if err != nil {
		return "", err
	}
	var ret string
	if err := reply.Unpack("s", &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// ListNames returns all names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	reply, err := c.callRouter(ctx, "ListNames")
	if err != nil {
		return nil, err
	}
	var ret []string
	if err := reply.Unpack("as", &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Conn) nameServiceCall(ctx context.Context, member string, args ...any) error {
	reply, err := c.callRouter(ctx, member, args...)
	if err != nil {
		return err
	}
	var resp uint32
	if err := reply.Unpack("u", &resp); err != nil {
		return err
	}
	switch resp {
	case ReplySuccess:
		return nil
	case ReplyAlreadyExists:
		return fmt.Errorf("%s: %w", member, ErrObjectExists)
	case ReplyNoSuchResource:
		return fmt.Errorf("%s: %w", member, ErrElementNotFound)
	default:
		return fmt.Errorf("%s failed with response code %d", member, resp)
	}
}

// AdvertiseName announces name to other connections looking for it
// over the given transports. The connection should own name.
func (c *Conn) AdvertiseName(ctx context.Context, name string, transports TransportMask) error {
	return c.nameServiceCall(ctx, "AdvertiseName", name, uint16(transports))
}

// CancelAdvertiseName withdraws an advertisement made with
// AdvertiseName.
func (c *Conn) CancelAdvertiseName(ctx context.Context, name string, transports TransportMask) error {
	return c.nameServiceCall(ctx, "CancelAdvertiseName", name, uint16(transports))
}

// FindAdvertisedName asks to be told about advertised names starting
// with prefix. Matches are reported to registered BusListeners, for
// current and future advertisements.
func (c *Conn) FindAdvertisedName(ctx context.Context, prefix string) error {
	return c.nameServiceCall(ctx, "FindAdvertisedName", prefix)
}

// CancelFindAdvertisedName stops discovery started by
// FindAdvertisedName.
func (c *Conn) CancelFindAdvertisedName(ctx context.Context, prefix string) error {
	return c.nameServiceCall(ctx, "CancelFindAdvertisedName", prefix)
}

// A BusListener is notified of name service events.
//
// Its methods run on the Conn's dispatch goroutine.
type BusListener interface {
	FoundAdvertisedName(name string, transport TransportMask, prefix string)
	LostAdvertisedName(name string, transport TransportMask, prefix string)
	NameOwnerChanged(name, oldOwner, newOwner string)
	// BusDisconnected is called once, when the connection to the
	// router is lost.
	BusDisconnected()
}

// BusListenerFuncs is a BusListener built from functions. Nil
// functions are ignored.
type BusListenerFuncs struct {
	Found        func(name string, transport TransportMask, prefix string)
	Lost         func(name string, transport TransportMask, prefix string)
	OwnerChanged func(name, oldOwner, newOwner string)
	Disconnected func()
}

func (f *BusListenerFuncs) FoundAdvertisedName(name string, transport TransportMask, prefix string) {
	if f.Found != nil {
		f.Found(name, transport, prefix)
	}
}

func (f *BusListenerFuncs) LostAdvertisedName(name string, transport TransportMask, prefix string) {
	if f.Lost != nil {
		f.Lost(name, transport, prefix)
	}
}

func (f *BusListenerFuncs) NameOwnerChanged(name, oldOwner, newOwner string) {
	if f.OwnerChanged != nil {
		f.OwnerChanged(name, oldOwner, newOwner)
	}
}

func (f *BusListenerFuncs) BusDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

var nameOwnerChangedRule = MatchSignal(RouterInterface, "NameOwnerChanged").Sender(RouterName).String()

// RegisterBusListener adds l to the listeners notified of name service
// events. l must be comparable.
func (c *Conn) RegisterBusListener(ctx context.Context, l BusListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil BusListener", ErrInvalidArgs)
	}
	if err := checkComparable("listener", l); err != nil {
		return err
	}
	c.subs.matchMu.Lock()
	defer c.subs.matchMu.Unlock()

	c.mu.Lock()
	first := len(c.busListeners) == 0
	c.busListeners = append(c.busListeners, l)
	c.mu.Unlock()

	if !first {
		return nil
	}
	if _, err := c.callRouter(ctx, "AddMatch", nameOwnerChangedRule); err != nil {
		c.mu.Lock()
		c.busListeners = slices.DeleteFunc(c.busListeners, func(o BusListener) bool { return o == l })
		c.mu.Unlock()
		return fmt.Errorf("adding NameOwnerChanged match: %w", err)
	}
	return nil
}

// UnregisterBusListener removes a listener added with
// RegisterBusListener.
func (c *Conn) UnregisterBusListener(ctx context.Context, l BusListener) error {
	c.subs.matchMu.Lock()
	defer c.subs.matchMu.Unlock()

	c.mu.Lock()
	i := slices.Index(c.busListeners, l)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: bus listener not registered", ErrNoSuchHandler)
	}
	c.busListeners = slices.Delete(c.busListeners, i, i+1)
	last := len(c.busListeners) == 0
	c.mu.Unlock()

	if !last {
		return nil
	}
	if _, err := c.callRouter(ctx, "RemoveMatch", nameOwnerChangedRule); err != nil {
		return fmt.Errorf("removing NameOwnerChanged match: %w", err)
	}
	return nil
}

// deliverBusSignal notifies BusListeners of a name service signal
// from the router.
func (c *Conn) deliverBusSignal(m *Message) {
	c.mu.Lock()
	ls := slices.Clone(c.busListeners)
	c.mu.Unlock()
	if len(ls) == 0 {
		return
	}

	var notify func(BusListener)
	switch m.Member {
	case "FoundAdvertisedName", "LostAdvertisedName":
		var (
			name, prefix string
			transport    uint16
		)
		if err := m.Unpack("sqs", &name, &transport, &prefix); err != nil {
			c.log.Warn("malformed name service signal", zap.Stringer("msg", m), zap.Error(err))
			return
		}
		found := m.Member == "FoundAdvertisedName"
		notify = func(l BusListener) {
			if found {
				l.FoundAdvertisedName(name, TransportMask(transport), prefix)
			} else {
				l.LostAdvertisedName(name, TransportMask(transport), prefix)
			}
		}
	case "NameOwnerChanged":
		var name, oldOwner, newOwner string
		if err := m.Unpack("sss", &name, &oldOwner, &newOwner); err != nil {
			c.log.Warn("malformed name service signal", zap.Stringer("msg", m), zap.Error(err))
			return
		}
		notify = func(l BusListener) { l.NameOwnerChanged(name, oldOwner, newOwner) }
	default:
		return
	}
	for _, l := range ls {
		c.disp.run(func() { notify(l) })
	}
}
