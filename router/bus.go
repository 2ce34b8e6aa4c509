package router

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"

	"github.com/danderson/msgbus"
)

const errorMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"

type busMethod func(r *Router, ep *endpoint, m *msgbus.Message)

var busMethods = map[string]busMethod{
	"Hello":                    (*Router).hello,
	"RequestName":              (*Router).requestName,
	"ReleaseName":              (*Router).handleReleaseName,
	"NameHasOwner":             (*Router).nameHasOwner,
	"ListNames":                (*Router).listNames,
	"GetNameOwner":             (*Router).getNameOwner,
	"AddMatch":                 (*Router).addMatch,
	"RemoveMatch":              (*Router).removeMatch,
	"AdvertiseName":            (*Router).advertiseName,
	"CancelAdvertiseName":      (*Router).handleCancelAdvertise,
	"FindAdvertisedName":       (*Router).findAdvertisedName,
	"CancelFindAdvertisedName": (*Router).cancelFindAdvertisedName,
	"BindSessionPort":          (*Router).bindSessionPort,
	"UnbindSessionPort":        (*Router).unbindSessionPort,
	"JoinSession":              (*Router).joinSession,
	"LeaveSession":             (*Router).handleLeaveSession,
}

// handleBusCall answers a method call addressed to the router.
func (r *Router) handleBusCall(ep *endpoint, m *msgbus.Message) {
	switch m.Interface {
	case "", msgbus.RouterInterface:
	case msgbus.PeerInterface:
		switch m.Member {
		case "Ping":
			r.reply(ep, m)
		case "GetMachineId":
			r.reply(ep, m, msgbus.MakeString(r.guid))
		default:
			r.replyError(ep, m, msgbus.ErrorNameUnknownMethod, fmt.Sprintf("no method %s.%s", m.Interface, m.Member))
		}
		return
	default:
		r.replyError(ep, m, msgbus.ErrorNameUnknownInterface, fmt.Sprintf("router does not implement %s", m.Interface))
		return
	}

	member, ok := msgbus.RouterInterfaceDescription().Member(m.Member)
	h := busMethods[m.Member]
	if !ok || member.Type != msgbus.MessageMethodCall || h == nil {
		r.replyError(ep, m, msgbus.ErrorNameUnknownMethod, fmt.Sprintf("no method %s.%s", msgbus.RouterInterface, m.Member))
		return
	}
	if !member.Signature.Equal(m.Signature) {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, fmt.Sprintf("%s takes %q, got %q", m.Member, member.Signature, m.Signature))
		return
	}
	h(r, ep, m)
}

// unpack unpacks the arguments of a call whose signature has already
// been checked.
func (r *Router) unpack(ep *endpoint, m *msgbus.Message, sig string, outs ...any) bool {
	if err := m.Unpack(sig, outs...); err != nil {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, err.Error())
		return false
	}
	return true
}

func (r *Router) hello(ep *endpoint, m *msgbus.Message) {
	if !ep.hello.CompareAndSwap(false, true) {
		r.replyError(ep, m, msgbus.ErrorNameFailed, "Hello already called")
		return
	}
	r.reply(ep, m, msgbus.MakeString(ep.name), msgbus.MakeString(r.guid))
	r.signal(nil, "NameOwnerChanged", ep.name, "", ep.name)
}

// validBusName reports whether name is a valid well-known bus name.
func validBusName(name string) bool {
	if len(name) == 0 || len(name) > 255 || strings.HasPrefix(name, ":") {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" || (e[0] >= '0' && e[0] <= '9') {
			return false
		}
		for _, c := range e {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// nameEntry is the ownership state of a well-known name.
type nameEntry struct {
	owner string
	flags msgbus.NameRequestFlags
	queue []queuedOwner
}

type queuedOwner struct {
	name  string
	flags msgbus.NameRequestFlags
}

func (n *nameEntry) queued(name string) bool {
	return slices.ContainsFunc(n.queue, func(q queuedOwner) bool { return q.name == name })
}

func (n *nameEntry) dequeue(name string) bool {
	l := len(n.queue)
	n.queue = slices.DeleteFunc(n.queue, func(q queuedOwner) bool { return q.name == name })
	return len(n.queue) != l
}

func (r *Router) requestName(ep *endpoint, m *msgbus.Message) {
	var (
		name  string
		flags uint32
	)
	if !r.unpack(ep, m, "su", &name, &flags) {
		return
	}
	if !validBusName(name) || name == msgbus.RouterName {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, fmt.Sprintf("invalid bus name %q", name))
		return
	}
	f := msgbus.NameRequestFlags(flags)

	var (
		disp     uint32
		changed  bool
		oldOwner string
	)
	r.mu.Lock()
	n := r.names[name]
	switch {
	case n == nil:
		r.names[name] = &nameEntry{owner: ep.name, flags: f}
		disp, changed = msgbus.RequestNamePrimaryOwner, true
	case n.owner == ep.name:
		n.flags = f
		disp = msgbus.RequestNameAlreadyOwner
	case f&msgbus.NameRequestReplace != 0 && n.flags&msgbus.NameRequestAllowReplacement != 0:
		oldOwner = n.owner
		n.dequeue(ep.name)
		if n.flags&msgbus.NameRequestNoQueue == 0 {
			n.queue = slices.Insert(n.queue, 0, queuedOwner{n.owner, n.flags})
		}
		n.owner, n.flags = ep.name, f
		disp, changed = msgbus.RequestNamePrimaryOwner, true
	case f&msgbus.NameRequestNoQueue != 0:
		disp = msgbus.RequestNameExists
	default:
		n.dequeue(ep.name)
		n.queue = append(n.queue, queuedOwner{ep.name, f})
		disp = msgbus.RequestNameInQueue
	}
	r.mu.Unlock()

	r.reply(ep, m, msgbus.MakeUint32(disp))
	if changed {
		ep.log.Debug("name acquired", zap.String("name", name))
		r.signal(nil, "NameOwnerChanged", name, oldOwner, ep.name)
	}
}

func (r *Router) handleReleaseName(ep *endpoint, m *msgbus.Message) {
	var name string
	if !r.unpack(ep, m, "s", &name) {
		return
	}
	r.reply(ep, m, msgbus.MakeUint32(r.releaseName(ep, name)))
}

// releaseName removes ep from the owners of name, and returns the
// ReleaseName disposition.
func (r *Router) releaseName(ep *endpoint, name string) uint32 {
	r.mu.Lock()
	n := r.names[name]
	if n == nil {
		r.mu.Unlock()
		return msgbus.ReleaseNameNonExistent
	}
	if n.owner != ep.name {
		ok := n.dequeue(ep.name)
		r.mu.Unlock()
		if ok {
			return msgbus.ReleaseNameReleased
		}
		return msgbus.ReleaseNameNotOwner
	}
	var newOwner string
	if len(n.queue) > 0 {
		next := n.queue[0]
		n.queue = n.queue[1:]
		n.owner, n.flags = next.name, next.flags
		newOwner = next.name
	} else {
		delete(r.names, name)
	}
	r.mu.Unlock()

	r.signal(nil, "NameOwnerChanged", name, ep.name, newOwner)
	return msgbus.ReleaseNameReleased
}

func (r *Router) nameHasOwner(ep *endpoint, m *msgbus.Message) {
	var name string
	if !r.unpack(ep, m, "s", &name) {
		return
	}
	has := name == msgbus.RouterName || r.lookup(name) != nil
	r.reply(ep, m, msgbus.MakeBool(has))
}

func (r *Router) getNameOwner(ep *endpoint, m *msgbus.Message) {
	var name string
	if !r.unpack(ep, m, "s", &name) {
		return
	}
	if name == msgbus.RouterName {
		r.reply(ep, m, msgbus.MakeString(msgbus.RouterName))
		return
	}
	owner := r.lookup(name)
	if owner == nil {
		r.replyError(ep, m, msgbus.ErrorNameServiceUnknown, fmt.Sprintf("name %q has no owner", name))
		return
	}
	r.reply(ep, m, msgbus.MakeString(owner.name))
}

func (r *Router) listNames(ep *endpoint, m *msgbus.Message) {
	names := []string{msgbus.RouterName}
	r.mu.Lock()
	for name, c := range r.conns {
		if c.hello.Load() {
			names = append(names, name)
		}
	}
	names = append(names, slices.Collect(maps.Keys(r.names))...)
	r.mu.Unlock()
	slices.Sort(names)

	vals := make([]msgbus.Value, 0, len(names))
	for _, n := range names {
		vals = append(vals, msgbus.MakeString(n))
	}
	arr, err := msgbus.MakeArray("s", vals)
	if err != nil {
		r.replyError(ep, m, msgbus.ErrorNameFailed, err.Error())
		return
	}
	r.reply(ep, m, arr)
}

func (r *Router) addMatch(ep *endpoint, m *msgbus.Message) {
	var s string
	if !r.unpack(ep, m, "s", &s) {
		return
	}
	rule, err := msgbus.ParseMatchRule(s)
	if err != nil {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, err.Error())
		return
	}
	ep.addMatch(rule)
	r.reply(ep, m)
}

func (r *Router) removeMatch(ep *endpoint, m *msgbus.Message) {
	var s string
	if !r.unpack(ep, m, "s", &s) {
		return
	}
	rule, err := msgbus.ParseMatchRule(s)
	if err != nil {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, err.Error())
		return
	}
	if !ep.removeMatch(rule) {
		r.replyError(ep, m, errorMatchRuleNotFound, fmt.Sprintf("no match rule %q", s))
		return
	}
	r.reply(ep, m)
}

// found is a FoundAdvertisedName or LostAdvertisedName notification.
type found struct {
	to     *endpoint
	name   string
	prefix string
}

// findersLocked returns notifications of name for the connections
// searching for a matching prefix.
func (r *Router) findersLocked(name string) []found {
	var ret []found
	for prefix, fs := range r.finders {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for f := range fs {
			if ep := r.conns[f]; ep != nil {
				ret = append(ret, found{ep, name, prefix})
			}
		}
	}
	return ret
}

func (r *Router) notify(member string, fs []found) {
	for _, f := range fs {
		r.signal(f.to, member, f.name, uint16(msgbus.TransportLocal), f.prefix)
	}
}

func (r *Router) advertiseName(ep *endpoint, m *msgbus.Message) {
	var (
		name       string
		transports uint16
	)
	if !r.unpack(ep, m, "sq", &name, &transports) {
		return
	}
	if !validBusName(name) {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, fmt.Sprintf("invalid bus name %q", name))
		return
	}
	if msgbus.TransportMask(transports)&msgbus.TransportLocal == 0 {
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyFailed))
		return
	}

	r.mu.Lock()
	owners := r.adverts[name]
	if _, ok := owners[ep.name]; ok {
		r.mu.Unlock()
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyAlreadyExists))
		return
	}
	if owners == nil {
		owners = map[string]msgbus.TransportMask{}
		r.adverts[name] = owners
	}
	owners[ep.name] = msgbus.TransportMask(transports)
	fs := r.findersLocked(name)
	r.mu.Unlock()

	r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplySuccess))
	r.notify("FoundAdvertisedName", fs)
}

func (r *Router) handleCancelAdvertise(ep *endpoint, m *msgbus.Message) {
	var (
		name       string
		transports uint16
	)
	if !r.unpack(ep, m, "sq", &name, &transports) {
		return
	}
	r.reply(ep, m, msgbus.MakeUint32(r.cancelAdvertise(ep, name)))
}

func (r *Router) cancelAdvertise(ep *endpoint, name string) uint32 {
	r.mu.Lock()
	owners := r.adverts[name]
	if _, ok := owners[ep.name]; !ok {
		r.mu.Unlock()
		return msgbus.ReplyNoSuchResource
	}
	delete(owners, ep.name)
	if len(owners) == 0 {
		delete(r.adverts, name)
	}
	fs := r.findersLocked(name)
	r.mu.Unlock()

	r.notify("LostAdvertisedName", fs)
	return msgbus.ReplySuccess
}

func (r *Router) findAdvertisedName(ep *endpoint, m *msgbus.Message) {
	var prefix string
	if !r.unpack(ep, m, "s", &prefix) {
		return
	}

	r.mu.Lock()
	fs := r.finders[prefix]
	if fs.Has(ep.name) {
		r.mu.Unlock()
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyAlreadyExists))
		return
	}
	if fs == nil {
		fs = mapset.New[string]()
		r.finders[prefix] = fs
	}
	fs.Add(ep.name)
	var existing []found
	for _, name := range slices.Sorted(maps.Keys(r.adverts)) {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for range r.adverts[name] {
			existing = append(existing, found{ep, name, prefix})
		}
	}
	r.mu.Unlock()

	r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplySuccess))
	r.notify("FoundAdvertisedName", existing)
}

func (r *Router) cancelFindAdvertisedName(ep *endpoint, m *msgbus.Message) {
	var prefix string
	if !r.unpack(ep, m, "s", &prefix) {
		return
	}
	r.mu.Lock()
	fs := r.finders[prefix]
	ok := fs.Has(ep.name)
	if ok {
		delete(fs, ep.name)
		if len(fs) == 0 {
			delete(r.finders, prefix)
		}
	}
	r.mu.Unlock()

	if !ok {
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyNoSuchResource))
		return
	}
	r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplySuccess))
}
