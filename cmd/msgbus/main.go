package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"
	"go.uber.org/zap"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/internal/busgen"
	"github.com/danderson/msgbus/keystore"
	"github.com/danderson/msgbus/router"
)

var globalArgs struct {
	Bus   string `flag:"bus,Bus address to connect to (default $MSGBUS_ADDRESS)"`
	Names string `flag:"names,Comma-separated list of bus names to request"`
	Debug bool   `flag:"debug,Log connection debug output to stderr"`
}

const defaultBusAddress = "unix:path=/run/msgbus.sock"

func logger() *zap.Logger {
	if !globalArgs.Debug {
		return zap.NewNop()
	}
	return zap.Must(zap.NewDevelopment())
}

func busConn(ctx context.Context) (*msgbus.Conn, error) {
	addr := cmp.Or(globalArgs.Bus, os.Getenv("MSGBUS_ADDRESS"), defaultBusAddress)
	conn, err := msgbus.Dial(ctx, addr, &msgbus.Options{Logger: logger()})
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		primary, err := conn.RequestName(ctx, n, msgbus.NameRequestAllowReplacement)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("requesting name %q: %w", n, err)
		}
		if primary {
			fmt.Printf("acquired name %s\n", n)
		} else {
			fmt.Printf("queued for name %s\n", n)
		}
	}
	return conn, nil
}

func rootCommand() *command.C {
	return &command.C{
		Name:     "msgbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "router",
				Usage: "router",
				Help: `Run a bus router.

The router listens on the addresses in its config file, plus any given
with --listen.`,
				SetFlags: command.Flags(flax.MustBind, &routerArgs),
				Run:      command.Adapt(runRouter),
			},
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "names",
						Usage: "list names",
						Help:  "List names owned on the bus.",
						Run:   command.Adapt(runListNames),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces peer [object] [interface]",
						Help: `List the interfaces of a peer's objects.

Objects are discovered by introspecting the peer, starting at "/". The
optional object and interface arguments are regular expressions that
filter the listing.

The standard interfaces that every object implements are omitted.`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props peer object interface [property]",
						Help:  "List the properties of an interface of an object.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "machine-id",
				Usage: "machine-id peer",
				Help:  "Get the machine ID of a peer's host.",
				Run:   command.Adapt(runMachineID),
			},
			{
				Name:  "call",
				Usage: "call peer object interface method [args...]",
				Help: `Call a method.

The method's signature is discovered by introspecting the object.
Arguments are parsed according to the signature, which may only
contain basic types and variants. Variant arguments are sent as
strings.`,
				Run: runCall,
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Listen to name ownership changes and advertisements.",
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:  "serve-echo",
				Usage: "serve-echo",
				Help: `Serve an echo service.

The service hosts ` + echoPath + ` with the ` + echoInterface + `
interface, advertises its name, and accepts sessions on a session
port. With --pin, joiners must authenticate with the same PIN.`,
				SetFlags: command.Flags(flax.MustBind, &echoArgs),
				Run:      command.Adapt(runServeEcho),
			},
			{
				Name:     "join-echo",
				Usage:    "join-echo host [words...]",
				Help:     "Join an echo service's session, and call its Cat method.",
				SetFlags: command.Flags(flax.MustBind, &echoArgs),
				Run:      runJoinEcho,
			},
			{
				Name:  "generate",
				Usage: "generate peer object interface",
				Help: `Generate a Go client for an interface.

The interface definition is fetched by introspecting the given object.`,
				SetFlags: command.Flags(flax.MustBind, &generateArgs),
				Run:      command.Adapt(runGenerate),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
}

func main() {
	root := rootCommand()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

var routerArgs struct {
	Config string `flag:"config,Path to YAML config file"`
	Listen string `flag:"listen,Semicolon-separated list of extra addresses to listen on"`
}

func runRouter(env *command.Env) error {
	cfg := &router.Config{}
	if routerArgs.Config != "" {
		var err error
		cfg, err = router.LoadConfig(routerArgs.Config)
		if err != nil {
			return err
		}
	}
	for _, a := range strings.Split(routerArgs.Listen, ";") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.Listen = append(cfg.Listen, a)
		}
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{defaultBusAddress}
	}
	if globalArgs.Debug {
		cfg.LogLevel = "debug"
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	r := router.New(cfg, log)
	go func() {
		<-env.Context().Done()
		r.Close()
	}()
	return r.ListenAndServe(env.Context())
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	for _, n := range names {
		if strings.HasPrefix(n, ":") || n == msgbus.RouterName {
			fmt.Println(n)
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("%s (getting owner: %v)\n", n, err)
			continue
		}
		fmt.Printf("%s (%s)\n", n, owner)
	}
	return nil
}

func runListInterfaces(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("list interfaces requires a peer.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var (
		out  indenter
		prev *msgbus.ProxyObject
	)
	for oi, err := range listInterfaces(ctx, conn.Proxy(args[0], "/", 0), args[1], args[2]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		if oi.obj != prev {
			out.indent(0)
			out.v(oi.obj)
			prev = oi.obj
		}
		out.indent(1)
		out.s(oi.iface.Introspect(0))
	}
	return nil
}

func runListProps(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("list props requires a peer, object and interface.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	obj := conn.Proxy(args[0], msgbus.ObjectPath(args[1]), 0)
	all, err := obj.GetAllProperties(ctx, args[2])
	if err != nil {
		return fmt.Errorf("listing properties of %s: %w", obj, err)
	}
	var props map[string]msgbus.Value
	if err := all.Get("a{sv}", &props); err != nil {
		return err
	}
	ks := slices.Collect(slice.Select(slices.Sorted(maps.Keys(props)), pf.MatchString))
	for _, k := range ks {
		fmt.Printf("%s: %v\n", k, props[k].Inner())
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(env.Context(), peer); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("reply from %s in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runMachineID(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	id, err := conn.PeerMachineID(env.Context(), peer)
	if err != nil {
		return fmt.Errorf("getting machine ID of %s: %w", peer, err)
	}
	fmt.Println(id)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a peer, object, interface and method.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	peer, path, ifaceName, method := env.Args[0], msgbus.ObjectPath(env.Args[1]), env.Args[2], env.Args[3]
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	obj := conn.Proxy(peer, path, 0)
	if err := obj.IntrospectRemote(ctx); err != nil {
		return err
	}
	iface := obj.Interface(ifaceName)
	if iface == nil {
		return fmt.Errorf("%s does not implement %s", obj, ifaceName)
	}
	member, ok := iface.Member(method)
	if !ok {
		return fmt.Errorf("%s has no method %s", ifaceName, method)
	}
	args, err := parseArgs(member.Signature, env.Args[4:])
	if err != nil {
		return err
	}
	reply, err := obj.Call(ctx, ifaceName, method, args...)
	if err != nil {
		return err
	}
	for _, v := range reply.Args {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

// parseArgs parses command line arguments according to sig.
func parseArgs(sig msgbus.Signature, args []string) ([]any, error) {
	shapes := sig.Shapes()
	if len(shapes) != len(args) {
		return nil, fmt.Errorf("method takes %d arguments (%s), got %d", len(shapes), sig, len(args))
	}
	ret := make([]any, len(args))
	for i, sh := range shapes {
		v, err := parseArg(sh, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret[i] = v
	}
	return ret, nil
}

func parseArg(sh *msgbus.Shape, s string) (any, error) {
	switch sh.Type {
	case msgbus.TypeBoolean:
		return strconv.ParseBool(s)
	case msgbus.TypeByte:
		u, err := strconv.ParseUint(s, 0, 8)
		return uint8(u), err
	case msgbus.TypeInt16:
		i, err := strconv.ParseInt(s, 0, 16)
		return int16(i), err
	case msgbus.TypeUint16:
		u, err := strconv.ParseUint(s, 0, 16)
		return uint16(u), err
	case msgbus.TypeInt32:
		i, err := strconv.ParseInt(s, 0, 32)
		return int32(i), err
	case msgbus.TypeUint32:
		u, err := strconv.ParseUint(s, 0, 32)
		return uint32(u), err
	case msgbus.TypeInt64:
		return strconv.ParseInt(s, 0, 64)
	case msgbus.TypeUint64:
		return strconv.ParseUint(s, 0, 64)
	case msgbus.TypeDouble:
		return strconv.ParseFloat(s, 64)
	case msgbus.TypeString, msgbus.TypeVariant:
		return s, nil
	case msgbus.TypeObjectPath:
		return msgbus.ObjectPath(s), nil
	case msgbus.TypeSignature:
		return msgbus.ParseSignature(s)
	default:
		return nil, fmt.Errorf("cannot parse %q from the command line", sh)
	}
}

var listenArgs struct {
	Find string `flag:"find,Also report advertised names with this prefix"`
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	disconnected := make(chan struct{})
	l := &msgbus.BusListenerFuncs{
		Found: func(name string, transport msgbus.TransportMask, prefix string) {
			fmt.Printf("found %s (prefix %q, transports 0x%04x)\n", name, prefix, uint16(transport))
		},
		Lost: func(name string, transport msgbus.TransportMask, prefix string) {
			fmt.Printf("lost %s (prefix %q)\n", name, prefix)
		},
		OwnerChanged: func(name, oldOwner, newOwner string) {
			fmt.Printf("owner of %s: %q -> %q\n", name, oldOwner, newOwner)
		},
		Disconnected: func() { close(disconnected) },
	}
	if err := conn.RegisterBusListener(env.Context(), l); err != nil {
		return err
	}
	if listenArgs.Find != "" {
		if err := conn.FindAdvertisedName(env.Context(), listenArgs.Find); err != nil {
			return err
		}
	}
	fmt.Println("Listening...")
	select {
	case <-env.Context().Done():
		return nil
	case <-disconnected:
		return errors.New("disconnected from bus")
	}
}

var echoArgs struct {
	Name string `flag:"name,default=org.msgbus.Echo,Well-known name of the echo service"`
	Port int    `flag:"port,default=42,Session port"`
	PIN  string `flag:"pin,Require peers to authenticate with this PIN"`
	Keys string `flag:"keys,SQLite file to cache authentication keys in"`
}

const (
	echoPath      = "/echo"
	echoInterface = "org.msgbus.Echo"
)

func enableSecurity(conn *msgbus.Conn) (func(), error) {
	if echoArgs.PIN == "" {
		return func() {}, nil
	}
	var (
		ks      keystore.Store
		closeKS = func() {}
	)
	if echoArgs.Keys != "" {
		db, err := keystore.OpenSQLite(echoArgs.Keys)
		if err != nil {
			return nil, err
		}
		ks, closeKS = db, func() { db.Close() }
	}
	l := &msgbus.AuthListenerFuncs{
		Request: func(mech, peer string, attempt int, user string) (msgbus.AuthCredentials, bool) {
			return msgbus.AuthCredentials{Password: echoArgs.PIN, Expiration: 24 * time.Hour}, attempt == 1
		},
		Complete: func(mech, peer string, success bool) {
			fmt.Printf("authentication with %s: success=%v\n", peer, success)
		},
	}
	if err := conn.EnablePeerSecurity(msgbus.MechPINKeyX, l, ks); err != nil {
		closeKS()
		return nil, err
	}
	return closeKS, nil
}

func echoInterfaceDescription(conn *msgbus.Conn) (*msgbus.InterfaceDescription, error) {
	iface, err := conn.CreateInterface(echoInterface, echoArgs.PIN != "")
	if err != nil {
		return nil, err
	}
	if err := iface.AddMethod("Cat", "ss", "s", "a,b,joined", 0); err != nil {
		return nil, err
	}
	if err := iface.AddProperty("Greeting", "s", msgbus.PropReadWrite); err != nil {
		return nil, err
	}
	iface.Activate()
	return iface, nil
}

func runServeEcho(env *command.Env) error {
	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	closeKS, err := enableSecurity(conn)
	if err != nil {
		return err
	}
	defer closeKS()

	iface, err := echoInterfaceDescription(conn)
	if err != nil {
		return err
	}
	cat, _ := iface.Member("Cat")
	greeting := msgbus.MakeString("hello")

	obj := msgbus.NewBusObject(echoPath)
	if err := obj.AddInterface(iface); err != nil {
		return err
	}
	err = obj.AddMethodHandler(cat, func(ctx context.Context, member *msgbus.Member, msg *msgbus.Message) {
		var a, b string
		if err := msg.Unpack("ss", &a, &b); err != nil {
			obj.MethodReplyErr(msg, err)
			return
		}
		sender, _ := msgbus.ContextSender(ctx)
		fmt.Printf("Cat(%q, %q) from %s\n", a, b, sender)
		obj.MethodReply(msg, msgbus.MakeString(a+b))
	})
	if err != nil {
		return err
	}
	obj.SetPropertyHandlers(
		func(ctx context.Context, iface, prop string) (msgbus.Value, error) {
			return greeting, nil
		},
		func(ctx context.Context, iface, prop string, val msgbus.Value) error {
			greeting = val
			return obj.EmitPropertyChanged(iface, prop, val, 0)
		})
	if err := conn.RegisterBusObject(obj); err != nil {
		return err
	}

	if _, err := conn.RequestName(ctx, echoArgs.Name, msgbus.NameRequestNoQueue); err != nil {
		return err
	}
	port, err := conn.BindSessionPort(ctx, msgbus.SessionPort(echoArgs.Port), msgbus.DefaultSessionOpts(), &msgbus.SessionPortFuncs{
		Joined: func(port msgbus.SessionPort, id msgbus.SessionID, joiner string) {
			fmt.Printf("%s joined session %d on port %d\n", joiner, id, port)
		},
	})
	if err != nil {
		return err
	}
	if err := conn.AdvertiseName(ctx, echoArgs.Name, msgbus.TransportAny); err != nil {
		return err
	}
	fmt.Printf("Serving %s on %s, session port %d\n", echoArgs.Name, conn.UniqueName(), port)

	select {
	case <-ctx.Done():
	case <-conn.Done():
		return conn.Err()
	}
	fmt.Println("shutdown")
	return nil
}

func runJoinEcho(env *command.Env) error {
	if len(env.Args) < 1 {
		return env.Usagef("join-echo requires a host.")
	}
	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	closeKS, err := enableSecurity(conn)
	if err != nil {
		return err
	}
	defer closeKS()
	if _, err := echoInterfaceDescription(conn); err != nil {
		return err
	}

	host := env.Args[0]
	id, opts, err := conn.JoinSession(ctx, host, msgbus.SessionPort(echoArgs.Port), msgbus.DefaultSessionOpts(), &msgbus.SessionFuncs{
		Lost: func(id msgbus.SessionID, reason msgbus.SessionLostReason) {
			fmt.Printf("session %d lost: %v\n", id, reason)
		},
	})
	if err != nil {
		return err
	}
	defer conn.LeaveSession(context.Background(), id)
	fmt.Printf("joined session %d (%v)\n", id, opts)

	obj := conn.Proxy(host, echoPath, id)
	if err := obj.AddInterfaceByName(echoInterface); err != nil {
		return err
	}
	words := growTo(env.Args[1:], 2)
	reply, err := obj.Call(ctx, echoInterface, "Cat", words[0], strings.Join(words[1:], " "))
	if err != nil {
		return err
	}
	var joined string
	if err := reply.Unpack("s", &joined); err != nil {
		return err
	}
	fmt.Println(joined)
	return nil
}

var generateArgs struct {
	PackageName string `flag:"package,default=client,Package name to output"`
	OutFile     string `flag:"out,default=gen.go,Output file path"`
}

func runGenerate(env *command.Env, peer, path, ifaceName string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	obj := conn.Proxy(peer, msgbus.ObjectPath(path), 0)
	if err := obj.IntrospectRemote(ctx); err != nil {
		return err
	}
	iface := obj.Interface(ifaceName)
	if iface == nil {
		return fmt.Errorf("%s does not implement %s", obj, ifaceName)
	}
	out, err := busgen.Interface(iface, generateArgs.PackageName)
	if err != nil {
		return fmt.Errorf("generating %s: %w", ifaceName, err)
	}
	if err := os.WriteFile(generateArgs.OutFile, []byte(out), 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", generateArgs.OutFile)
	return nil
}
