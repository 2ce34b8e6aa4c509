package msgbus

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Ping checks that the connection owning name is reachable and
// responsive.
func (c *Conn) Ping(ctx context.Context, name string, opts ...CallOption) error {
	m, err := newMethodCall(peerIface, name, "/", "Ping")
	if err != nil {
		return err
	}
	o := c.callOptions(opts)
	m.Flags |= o.flags
	_, err = c.call(ctx, m, o.timeout)
	return err
}

// PeerMachineID returns the machine ID of the host running the
// connection that owns name.
func (c *Conn) PeerMachineID(ctx context.Context, name string, opts ...CallOption) (string, error) {
	m, err := newMethodCall(peerIface, name, "/", "GetMachineId")
	if err != nil {
		return "", err
	}
	o := c.callOptions(opts)
	m.Flags |= o.flags
	reply, err := c.call(ctx, m, o.timeout)
	if err != nil {
		return "", err
	}
	var ret string
	if err := reply.Unpack("s", &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// machineID returns the local machine ID. Hosts without one get a
// random ID that lasts for the life of the process.
var machineID = sync.OnceValue(func() string {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil || len(bs) == 0 {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return strings.TrimSpace(string(bs))
})
