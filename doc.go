// Package msgbus is a client for a peer-to-peer message bus.
//
// Processes connect to a bus router with [Dial], and are assigned a
// unique name like ":1.42". They can then claim well-known names
// with [Conn.RequestName], export objects that other processes call
// into, call methods and subscribe to signals on objects exported by
// others, and bind session ports that other processes join to get a
// private, optionally multipoint, communication channel.
//
// # Values
//
// Message arguments are [Value]s, a self-describing representation of
// the wire types. Every Value has a [TypeID] and a signature string,
// in the same notation as DBus signatures: "s" is a string, "ai" an
// array of int32, "(sv)" a struct of a string and a variant,
// "a{sv}" a dictionary from strings to variants.
//
// Values can be constructed explicitly with the Make functions
// ([MakeString], [MakeArray], [MakeStruct], ...), or built from Go
// values according to a signature with [Build] and [BuildArgs]:
//
//	args, err := msgbus.BuildArgs("sa{sv}", "hello", map[string]any{"n": int32(1)})
//
// Build maps Go values to wire types as follows:
//
// uint{8,16,32,64}, int{16,32,64}, float64, bool and string values
// build the corresponding basic type. [ObjectPath], [Signature] and
// [Handle] values build the corresponding types.
//
// Slices build arrays, and []byte builds an array of bytes without
// copying each element separately. Maps build dictionaries, whose key
// type must be basic. Structs build wire structs from their exported
// fields in declaration order.
//
// A Value, or an 'any' holding a value that [ValueOf] accepts,
// builds a variant.
//
// int8, int, uint, uintptr, complex, channel and function values
// cannot be built. Building them returns an error wrapping
// [ErrSignatureMismatch].
//
// [Value.Get] and [Unpack] apply the inverse rules, and store values
// into pointers to Go values. The target's shape must match the
// signature given.
//
// Values decoded from a message may borrow the message's buffer.
// [Value.Stabilize] copies out any borrowed data so that the value
// outlives the message.
//
// # Interfaces and objects
//
// An [InterfaceDescription] lists the methods, signals and properties
// of an interface. Interfaces are created with [Conn.CreateInterface]
// or parsed from introspection XML, and must be activated before use.
// Secure interfaces can only be called by peers that have completed
// authentication, see [Conn.EnablePeerSecurity].
//
// A [BusObject] is an object exported at a path on a Conn. Method
// calls addressed to it are dispatched to the handlers registered
// with [BusObject.AddMethodHandler]. Standard introspection, ping and
// properties interfaces are implemented for every object.
//
// A [ProxyObject] is a local handle to a remote object. Its methods
// send calls and decode replies. Calls that fail with an error reply
// return a [CallError], which matches the corresponding sentinel
// error with errors.Is:
//
//	reply, err := proxy.Call(ctx, "org.example.Echo", "Cat", "a", "b")
//	if errors.Is(err, msgbus.ErrServiceUnknown) {
//		// nobody owns the destination
//	}
//
// # Concurrency
//
// Method handlers, signal handlers and listener callbacks run one at
// a time on a single dispatch goroutine per Conn, in the order their
// messages arrived. Handlers may make asynchronous calls, but a
// synchronous call from a handler blocks dispatch until its reply
// arrives or it times out.
package msgbus
