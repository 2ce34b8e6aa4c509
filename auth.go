package msgbus

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/danderson/msgbus/keystore"
)

// MechPINKeyX is the PIN based peer authentication mechanism. Both
// peers derive a shared secret from a PIN supplied by their
// AuthListener, and prove knowledge of it to each other.
const MechPINKeyX = "ALLJOYN_PIN_KEYX"

const (
	nonceLen  = 32
	secretLen = 32
	pinInfo   = "msgbus pin master"
)

// AuthCredentials are the credentials an AuthListener supplies for
// authentication.
type AuthCredentials struct {
	// Password is the shared PIN or password.
	Password string
	// UserName optionally identifies the user to the peer.
	UserName string
	// Expiration is how long the resulting shared secret may be
	// reused. Zero means it does not expire.
	Expiration time.Duration
}

// An AuthListener supplies and checks credentials for peer
// authentication.
//
// Its methods run on the Conn's dispatch goroutine.
type AuthListener interface {
	// RequestCredentials returns the credentials to authenticate
	// with peer. Returning false aborts the authentication.
	RequestCredentials(mechanism, peer string, attempt int, userName string) (AuthCredentials, bool)
	// VerifyCredentials is called on the session host once the
	// joiner has proven it knows the PIN. Returning false rejects the
	// joiner anyway.
	VerifyCredentials(mechanism, peer string, creds AuthCredentials) bool
	// AuthenticationComplete reports the outcome of an
	// authentication.
	AuthenticationComplete(mechanism, peer string, success bool)
}

// AuthListenerFuncs is an AuthListener built from functions. A nil
// Request supplies no credentials, and a nil Verify accepts.
type AuthListenerFuncs struct {
	Request  func(mechanism, peer string, attempt int, userName string) (AuthCredentials, bool)
	Verify   func(mechanism, peer string, creds AuthCredentials) bool
	Complete func(mechanism, peer string, success bool)
}

func (f *AuthListenerFuncs) RequestCredentials(mechanism, peer string, attempt int, userName string) (AuthCredentials, bool) {
	if f.Request == nil {
		return AuthCredentials{}, false
	}
	return f.Request(mechanism, peer, attempt, userName)
}

func (f *AuthListenerFuncs) VerifyCredentials(mechanism, peer string, creds AuthCredentials) bool {
	if f.Verify == nil {
		return true
	}
	return f.Verify(mechanism, peer, creds)
}

func (f *AuthListenerFuncs) AuthenticationComplete(mechanism, peer string, success bool) {
	if f.Complete != nil {
		f.Complete(mechanism, peer, success)
	}
}

// peerSecurity is a Conn's peer authentication state.
type peerSecurity struct {
	mechs    []string
	listener AuthListener
	keys     keystore.Store

	mu            sync.Mutex
	authenticated mapset.Set[string]
	// inflight holds the joiner side state of authentications
	// started by a host, by host unique name.
	inflight map[string]*joinerAuth
}

type joinerAuth struct {
	mech     string
	hostGUID string
	secret   []byte
	hostNonce,
	nonce []byte
	expires time.Time
}

// EnablePeerSecurity turns on peer authentication, with mechanisms a
// space separated list of mechanism names. Only [MechPINKeyX] is
// supported.
//
// When a session host has peer security enabled, joiners must
// authenticate before the host's SessionPortListener is asked to
// accept them, and only authenticated peers may call methods of
// secure interfaces. Joiners need peer security enabled to answer
// the host's challenge.
//
// Shared secrets are cached in keys, or in memory if keys is nil.
func (c *Conn) EnablePeerSecurity(mechanisms string, listener AuthListener, keys keystore.Store) error {
	mechs := strings.Fields(mechanisms)
	if len(mechs) == 0 {
		return fmt.Errorf("%w: no authentication mechanisms", ErrInvalidArgs)
	}
	for _, m := range mechs {
		if m != MechPINKeyX {
			return fmt.Errorf("%w: unsupported authentication mechanism %q", ErrInvalidArgs, m)
		}
	}
	if listener == nil {
		return fmt.Errorf("%w: nil AuthListener", ErrInvalidArgs)
	}
	if keys == nil {
		keys = keystore.NewMemory()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.security = &peerSecurity{
		mechs:         mechs,
		listener:      listener,
		keys:          keys,
		authenticated: mapset.New[string](),
		inflight:      map[string]*joinerAuth{},
	}
	return nil
}

// IsPeerSecurityEnabled reports whether EnablePeerSecurity has been
// called.
func (c *Conn) IsPeerSecurityEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security != nil
}

// ClearKeys forgets the cached secret shared with the peer guid.
func (c *Conn) ClearKeys(guid string) error {
	c.mu.Lock()
	sec := c.security
	c.mu.Unlock()
	if sec == nil {
		return nil
	}
	return sec.keys.Delete(guid)
}

func (c *Conn) isAuthenticated(peer string) bool {
	c.mu.Lock()
	sec := c.security
	c.mu.Unlock()
	if sec == nil {
		return false
	}
	sec.mu.Lock()
	defer sec.mu.Unlock()
	return sec.authenticated.Has(peer)
}

func (s *peerSecurity) markAuthenticated(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated.Add(peer)
}

func newNonce() []byte {
	ret := make([]byte, nonceLen)
	if _, err := rand.Read(ret); err != nil {
		panic(fmt.Sprintf("reading random nonce: %v", err))
	}
	return ret
}

// deriveSecret stretches a PIN into the secret shared by two peers.
func deriveSecret(pin, guidA, guidB string) ([]byte, error) {
	guids := []string{guidA, guidB}
	slices.Sort(guids)
	r := hkdf.New(sha256.New, []byte(pin), []byte(strings.Join(guids, "")), []byte(pinInfo))
	ret := make([]byte, secretLen)
	if _, err := io.ReadFull(r, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// proof returns the proof that a party playing role knows secret.
func proof(secret []byte, role string, nonces ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(role))
	for _, n := range nonces {
		mac.Write(n)
	}
	return mac.Sum(nil)
}

func expiry(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// authenticatePeer runs the host side of the PIN exchange with
// joiner.
func (c *Conn) authenticatePeer(ctx context.Context, sec *peerSecurity, joiner string) (err error) {
	mech := sec.mechs[0]
	defer func() {
		sec.listener.AuthenticationComplete(mech, joiner, err == nil)
	}()
	if sec.authenticatedPeer(joiner) {
		return nil
	}

	call := func(member string, args ...any) (*Message, error) {
		m, err := newMethodCall(peerAuthIface, joiner, "/", member, args...)
		if err != nil {
			return nil, err
		}
		return c.call(ctx, m, c.opts.callTimeout())
	}

	nonce := newNonce()
	reply, err := call("AuthChallenge", mech, c.guid, nonce)
	if err != nil {
		return fmt.Errorf("%w: challenging %s: %w", ErrAuthenticationFailed, joiner, err)
	}
	var (
		joinerGUID  string
		joinerNonce []byte
		joinerProof []byte
		user        string
		cached      bool
	)
	if err := reply.Unpack("sayaysb", &joinerGUID, &joinerNonce, &joinerProof, &user, &cached); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	var (
		secret  []byte
		expires time.Time
		creds   AuthCredentials
	)
	if cached {
		key, ok, err := sec.keys.Load(joinerGUID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		if ok {
			secret = key
		}
	} else {
		var ok bool
		creds, ok = sec.listener.RequestCredentials(mech, joiner, 1, user)
		if ok {
			secret, err = deriveSecret(creds.Password, c.guid, joinerGUID)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
			}
			expires = expiry(creds.Expiration)
		}
	}

	success := secret != nil && hmac.Equal(joinerProof, proof(secret, "joiner", nonce, joinerNonce))
	if success && !cached {
		creds.UserName = user
		success = sec.listener.VerifyCredentials(mech, joiner, creds)
	}
	var hostProof []byte
	if success {
		hostProof = proof(secret, "host", joinerNonce, nonce)
	} else {
		sec.keys.Delete(joinerGUID)
	}

	reply, err = call("AuthComplete", mech, success, hostProof)
	if err != nil {
		return fmt.Errorf("%w: completing with %s: %w", ErrAuthenticationFailed, joiner, err)
	}
	var ok bool
	if err := reply.Unpack("b", &ok); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if !success || !ok {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, joiner)
	}
	if !cached {
		if err := sec.keys.Store(joinerGUID, secret, expires); err != nil {
			c.log.Warn("caching peer key failed", zap.String("peer", joiner), zap.Error(err))
		}
	}
	sec.markAuthenticated(joiner)
	return nil
}

func (s *peerSecurity) authenticatedPeer(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated.Has(peer)
}

// handleAuthCall runs the joiner side of the PIN exchange.
func (c *Conn) handleAuthCall(ctx context.Context, m *Message) {
	c.mu.Lock()
	sec := c.security
	c.mu.Unlock()
	if sec == nil {
		c.replyError(m, ErrorNameSecurity, "peer security is not enabled")
		return
	}

	switch m.Member {
	case "AuthChallenge":
		var (
			mech, hostGUID string
			hostNonce      []byte
		)
		if err := m.Unpack("ssay", &mech, &hostGUID, &hostNonce); err != nil {
			c.replyError(m, ErrorNameInvalidArgs, err.Error())
			return
		}
		if !slices.Contains(sec.mechs, mech) {
			c.replyError(m, ErrorNameSecurity, fmt.Sprintf("mechanism %q not enabled", mech))
			return
		}
		st := &joinerAuth{
			mech:      mech,
			hostGUID:  hostGUID,
			hostNonce: slices.Clone(hostNonce),
			nonce:     newNonce(),
		}
		key, cached, err := sec.keys.Load(hostGUID)
		if err != nil {
			c.log.Warn("loading peer key failed", zap.String("peer", m.Sender), zap.Error(err))
		}
		var creds AuthCredentials
		if cached {
			st.secret = key
		} else {
			var ok bool
			creds, ok = sec.listener.RequestCredentials(mech, m.Sender, 1, "")
			if !ok {
				sec.listener.AuthenticationComplete(mech, m.Sender, false)
				c.replyError(m, ErrorNameSecurity, "no credentials")
				return
			}
			st.secret, err = deriveSecret(creds.Password, c.guid, hostGUID)
			if err != nil {
				c.replyError(m, ErrorNameFailed, err.Error())
				return
			}
			st.expires = expiry(creds.Expiration)
		}
		sec.mu.Lock()
		sec.inflight[m.Sender] = st
		sec.mu.Unlock()
		c.reply(m,
			MakeString(c.guid),
			MakeBytes(st.nonce),
			MakeBytes(proof(st.secret, "joiner", st.hostNonce, st.nonce)),
			MakeString(creds.UserName),
			MakeBool(cached))

	case "AuthComplete":
		var (
			mech      string
			success   bool
			hostProof []byte
		)
		if err := m.Unpack("sbay", &mech, &success, &hostProof); err != nil {
			c.replyError(m, ErrorNameInvalidArgs, err.Error())
			return
		}
		sec.mu.Lock()
		st := sec.inflight[m.Sender]
		delete(sec.inflight, m.Sender)
		sec.mu.Unlock()
		if st == nil {
			c.replyError(m, ErrorNameSecurity, "no authentication in progress")
			return
		}
		ok := success && hmac.Equal(hostProof, proof(st.secret, "host", st.nonce, st.hostNonce))
		if ok {
			if err := sec.keys.Store(st.hostGUID, st.secret, st.expires); err != nil {
				c.log.Warn("caching peer key failed", zap.String("peer", m.Sender), zap.Error(err))
			}
			sec.markAuthenticated(m.Sender)
		} else {
			sec.keys.Delete(st.hostGUID)
		}
		sec.listener.AuthenticationComplete(st.mech, m.Sender, ok)
		c.reply(m, MakeBool(ok))

	default:
		c.replyError(m, ErrorNameUnknownMethod, fmt.Sprintf("no method %s.%s", m.Interface, m.Member))
	}
}
