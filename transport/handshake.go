package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Authentication mechanisms understood by the handshake.
const (
	MechExternal  = "EXTERNAL"
	MechAnonymous = "ANONYMOUS"
)

// ErrAuthRejected is returned when the handshake fails to
// authenticate.
var ErrAuthRejected = errors.New("authentication rejected")

// maxLine is the longest handshake line accepted.
const maxLine = 512

// maxAuthAttempts is the number of AUTH commands a server accepts
// before hanging up.
const maxAuthAttempts = 4

// Credentials are the result of a successful server side handshake.
type Credentials struct {
	// Mechanism is the mechanism the client authenticated with.
	Mechanism string
	// UID is the client's user ID, or -1 for anonymous clients.
	UID int
}

// AuthPolicy controls which clients a server handshake admits.
type AuthPolicy struct {
	// AllowAnonymous admits clients using the ANONYMOUS mechanism.
	AllowAnonymous bool
	// AllowedUIDs, if non-empty, restricts EXTERNAL authentication to
	// the listed user IDs. Otherwise any user whose claimed ID matches
	// its socket credentials is admitted.
	AllowedUIDs []int
}

func (p AuthPolicy) mechanisms() string {
	if p.AllowAnonymous {
		return MechExternal + " " + MechAnonymous
	}
	return MechExternal
}

// ClientHandshake authenticates t to a bus server, trying mechs in
// order, and returns the server's GUID. With no mechs, EXTERNAL is
// tried, then ANONYMOUS.
//
// In theory the handshake is a SASL negotiation. In practice the
// server identifies unix socket clients from their socket
// credentials, so the exchange is a short fixed script.
func ClientHandshake(ctx context.Context, t Transport, mechs ...string) (guid string, err error) {
	if len(mechs) == 0 {
		mechs = []string{MechExternal, MechAnonymous}
	}
	err = withDeadline(ctx, t, func() error {
		if _, err := t.Write([]byte{0}); err != nil {
			return err
		}
		var rejections []string
		for _, mech := range mechs {
			var cmd string
			switch mech {
			case MechExternal:
				uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
				cmd = "AUTH EXTERNAL " + uid
			case MechAnonymous:
				cmd = "AUTH ANONYMOUS"
			default:
				return fmt.Errorf("unsupported auth mechanism %q", mech)
			}
			if err := writeLine(t, cmd); err != nil {
				return err
			}
			resp, err := readLine(t)
			if err != nil {
				return err
			}
			if g, ok := strings.CutPrefix(resp, "OK "); ok {
				guid = g
				return writeLine(t, "BEGIN")
			}
			rejections = append(rejections, fmt.Sprintf("%s: %q", mech, resp))
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, strings.Join(rejections, ", "))
	})
	if err != nil {
		return "", err
	}
	return guid, nil
}

// ServerHandshake runs the server side of the handshake on t,
// admitting the client according to policy. guid is the server's
// GUID, sent to the client on success.
func ServerHandshake(ctx context.Context, t Transport, guid string, policy AuthPolicy) (Credentials, error) {
	var ret Credentials
	err := withDeadline(ctx, t, func() error {
		var nul [1]byte
		if _, err := io.ReadFull(t, nul[:]); err != nil {
			return err
		}
		if nul[0] != 0 {
			return fmt.Errorf("%w: missing leading NUL byte", ErrAuthRejected)
		}
		for range maxAuthAttempts {
			line, err := readLine(t)
			if err != nil {
				return err
			}
			creds, ok := checkAuth(line, t.Peer(), policy)
			if !ok {
				if err := writeLine(t, "REJECTED "+policy.mechanisms()); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(t, "OK "+guid); err != nil {
				return err
			}
			line, err = readLine(t)
			if err != nil {
				return err
			}
			if line != "BEGIN" {
				return fmt.Errorf("%w: expected BEGIN, got %q", ErrAuthRejected, line)
			}
			ret = creds
			return nil
		}
		return fmt.Errorf("%w: too many attempts", ErrAuthRejected)
	})
	if err != nil {
		return Credentials{}, err
	}
	return ret, nil
}

func checkAuth(line string, peer PeerInfo, policy AuthPolicy) (Credentials, bool) {
	fs := strings.Fields(line)
	if len(fs) < 2 || fs[0] != "AUTH" {
		return Credentials{}, false
	}
	switch fs[1] {
	case MechAnonymous:
		if !policy.AllowAnonymous {
			return Credentials{}, false
		}
		return Credentials{Mechanism: MechAnonymous, UID: -1}, true
	case MechExternal:
		if len(fs) != 3 || !peer.HasCredentials() {
			return Credentials{}, false
		}
		bs, err := hex.DecodeString(fs[2])
		if err != nil {
			return Credentials{}, false
		}
		uid, err := strconv.Atoi(string(bs))
		if err != nil || uid != peer.UID {
			return Credentials{}, false
		}
		if len(policy.AllowedUIDs) > 0 && !slices.Contains(policy.AllowedUIDs, uid) {
			return Credentials{}, false
		}
		return Credentials{Mechanism: MechExternal, UID: uid}, true
	default:
		return Credentials{}, false
	}
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\r\n")
	return err
}

// readLine reads one CRLF terminated line from r. It reads a byte at
// a time, so that no bytes past the line are consumed.
func readLine(r io.Reader) (string, error) {
	var (
		ret []byte
		b   [1]byte
	)
	for len(ret) < maxLine {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSuffix(string(ret), "\r"), nil
		}
		ret = append(ret, b[0])
	}
	return "", fmt.Errorf("%w: handshake line too long", ErrAuthRejected)
}
