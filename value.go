package msgbus

import (
	"bytes"
	"fmt"
	"math"
	"strings"
)

// A Value is a dynamically typed wire value.
//
// Values are built with the typed constructors ([MakeString],
// [MakeArray], ...), with [Build] from a signature and Go values, or
// with [ValueOf]. The zero Value is invalid, and is what failed
// builds return.
//
// A Value may borrow storage from its caller: [MakeBytes] keeps the
// byte slice it is given, and [MakeArray] and [MakeStruct] keep their
// element slices. Call [Value.Stabilize] before retaining a Value
// whose inputs may later change.
type Value struct {
	typ TypeID
	// bits holds booleans, integers, doubles and handles.
	bits uint64
	// str holds strings, object paths and signatures.
	str string
	// sig is the element signature of an array.
	sig string
	// bytes is the payload of a byte array.
	bytes []byte
	// elems holds array elements, struct members, the key and value
	// of a dict entry, or the single inner value of a variant.
	elems []Value
	// owned reports that the value and all its children hold no
	// borrowed storage.
	owned bool
}

func scalar(t TypeID, bits uint64) Value { return Value{typ: t, bits: bits, owned: true} }

// MakeBool returns a boolean Value.
func MakeBool(b bool) Value {
	if b {
		return scalar(TypeBoolean, 1)
	}
	return scalar(TypeBoolean, 0)
}

// MakeByte returns a byte Value.
func MakeByte(u uint8) Value { return scalar(TypeByte, uint64(u)) }

// MakeInt16 returns an int16 Value.
func MakeInt16(i int16) Value { return scalar(TypeInt16, uint64(uint16(i))) }

// MakeUint16 returns a uint16 Value.
func MakeUint16(u uint16) Value { return scalar(TypeUint16, uint64(u)) }

// MakeInt32 returns an int32 Value.
func MakeInt32(i int32) Value { return scalar(TypeInt32, uint64(uint32(i))) }

// MakeUint32 returns a uint32 Value.
func MakeUint32(u uint32) Value { return scalar(TypeUint32, uint64(u)) }

// MakeInt64 returns an int64 Value.
func MakeInt64(i int64) Value { return scalar(TypeInt64, uint64(i)) }

// MakeUint64 returns a uint64 Value.
func MakeUint64(u uint64) Value { return scalar(TypeUint64, u) }

// MakeDouble returns a double Value.
func MakeDouble(f float64) Value { return scalar(TypeDouble, math.Float64bits(f)) }

// MakeHandle returns a socket handle Value.
func MakeHandle(h Handle) Value { return scalar(TypeHandle, uint64(h)) }

// MakeString returns a string Value.
func MakeString(s string) Value { return Value{typ: TypeString, str: s, owned: true} }

// MakeObjectPath returns an object path Value.
func MakeObjectPath(p ObjectPath) Value {
	return Value{typ: TypeObjectPath, str: string(p), owned: true}
}

// MakeSignature returns a signature Value.
func MakeSignature(s Signature) Value {
	return Value{typ: TypeSignature, str: s.String(), owned: true}
}

// MakeBytes returns a byte array Value. The Value borrows bs.
func MakeBytes(bs []byte) Value {
	if bs == nil {
		bs = []byte{}
	}
	return Value{typ: TypeArray, sig: "y", bytes: bs}
}

// MakeArray returns an array of elements of type elemSig. The Value
// borrows elems.
func MakeArray(elemSig string, elems []Value) (Value, error) {
	sig, err := ParseSignature("a" + elemSig)
	if err != nil {
		return Value{}, err
	}
	if !sig.IsCompleteType() {
		return Value{}, fmt.Errorf("%w: array element %q", ErrNotACompleteType, elemSig)
	}
	for i, e := range elems {
		if got := e.Signature(); got != elemSig {
			return Value{}, fmt.Errorf("%w: array element %d has type %q, want %q", ErrSignatureMismatch, i, got, elemSig)
		}
	}
	if elemSig == "y" {
		bs := make([]byte, len(elems))
		for i, e := range elems {
			bs[i] = byte(e.bits)
		}
		return Value{typ: TypeArray, sig: "y", bytes: bs, owned: true}, nil
	}
	if elems == nil {
		elems = []Value{}
	}
	return Value{typ: TypeArray, sig: elemSig, elems: elems}, nil
}

// MakeStruct returns a struct Value with the given members, of which
// there must be at least one. The Value borrows members.
func MakeStruct(members ...Value) Value {
	return Value{typ: TypeStruct, elems: members}
}

// MakeDictEntry returns a dict entry Value. key must be a basic type.
func MakeDictEntry(key, val Value) (Value, error) {
	if !basicTypes.Has(key.typ) {
		return Value{}, fmt.Errorf("%w: dict entry key of type %s is not a basic type", ErrSignatureMismatch, key.typ)
	}
	if val.typ == TypeInvalid {
		return Value{}, fmt.Errorf("%w: invalid dict entry value", ErrSignatureMismatch)
	}
	return Value{typ: TypeDictEntry, elems: []Value{key, val}, owned: key.owned && val.owned}, nil
}

// MakeVariant returns a variant Value wrapping inner.
func MakeVariant(inner Value) Value {
	return Value{typ: TypeVariant, elems: []Value{inner}, owned: inner.owned}
}

// Type returns the type of v.
func (v Value) Type() TypeID { return v.typ }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.typ != TypeInvalid }

// Signature returns the signature of v.
func (v Value) Signature() string {
	switch v.typ {
	case TypeInvalid:
		return ""
	case TypeArray:
		return "a" + v.sig
	case TypeStruct:
		var b strings.Builder
		b.WriteByte('(')
		for _, e := range v.elems {
			b.WriteString(e.Signature())
		}
		b.WriteByte(')')
		return b.String()
	case TypeDictEntry:
		return "{" + v.elems[0].Signature() + v.elems[1].Signature() + "}"
	default:
		return string(rune(v.typ))
	}
}

// Len returns the number of elements of an array, the number of
// members of a struct, or 0 for other types.
func (v Value) Len() int {
	switch {
	case v.typ == TypeArray && v.sig == "y":
		return len(v.bytes)
	case v.typ == TypeArray || v.typ == TypeStruct:
		return len(v.elems)
	default:
		return 0
	}
}

// Index returns the i-th element of an array or member of a struct.
// It panics if i is out of range.
func (v Value) Index(i int) Value {
	if v.typ == TypeArray && v.sig == "y" {
		return MakeByte(v.bytes[i])
	}
	return v.elems[i]
}

// Elements returns the elements of an array, the members of a struct,
// or the key and value of a dict entry. Byte arrays are returned as
// byte Values. The returned slice aliases v.
func (v Value) Elements() []Value {
	if v.typ == TypeArray && v.sig == "y" {
		ret := make([]Value, len(v.bytes))
		for i, b := range v.bytes {
			ret[i] = MakeByte(b)
		}
		return ret
	}
	if v.typ == TypeVariant {
		return nil
	}
	return v.elems
}

// Inner returns the value wrapped by a variant, or v itself if v is
// not a variant.
func (v Value) Inner() Value {
	for v.typ == TypeVariant {
		v = v.elems[0]
	}
	return v
}

// IsStable reports whether v holds no borrowed storage.
func (v Value) IsStable() bool { return v.owned }

// Stabilize replaces any storage v borrows from its builder with
// private copies, recursively. Stabilize is idempotent.
func (v *Value) Stabilize() {
	if v.owned {
		return
	}
	if v.bytes != nil {
		v.bytes = bytes.Clone(v.bytes)
	}
	if v.elems != nil {
		es := make([]Value, len(v.elems))
		copy(es, v.elems)
		for i := range es {
			es[i].Stabilize()
		}
		v.elems = es
	}
	v.owned = true
}

// Equal reports whether a and b have the same type and contents.
func Equal(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeInvalid:
		return true
	case TypeString, TypeObjectPath, TypeSignature:
		return a.str == b.str
	case TypeArray:
		if a.sig != b.sig {
			return false
		}
		if a.sig == "y" {
			return bytes.Equal(a.bytes, b.bytes)
		}
		return elemsEqual(a.elems, b.elems)
	case TypeStruct, TypeDictEntry, TypeVariant:
		return elemsEqual(a.elems, b.elems)
	default:
		return a.bits == b.bits
	}
}

func elemsEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether v and o are equal. It exists so that
// go-cmp compares Values structurally.
func (v Value) Equal(o Value) bool { return Equal(v, o) }

// IsDictionary reports whether v is an array of dict entries.
func (v Value) IsDictionary() bool {
	return v.typ == TypeArray && strings.HasPrefix(v.sig, "{")
}

// DictLookup finds the entry of the dictionary v whose key equals
// key, and unpacks its value into out. entrySig is the signature of
// the dictionary's entries, for example "{sv}".
func (v Value) DictLookup(entrySig string, key any, out any) error {
	if !v.IsDictionary() {
		return fmt.Errorf("%w: value has type %q", ErrNotADictionary, v.Signature())
	}
	sig, err := ParseSignature("a" + entrySig)
	if err != nil {
		return err
	}
	if !sig.IsCompleteType() || sig.shapes[0].Elem.Type != TypeDictEntry {
		return fmt.Errorf("%w: %q is not a dict entry signature", ErrSignatureMismatch, entrySig)
	}
	if entrySig != v.sig {
		return fmt.Errorf("%w: dictionary has entries %q, not %q", ErrSignatureMismatch, v.sig, entrySig)
	}
	entry := sig.shapes[0].Elem
	k, err := build(entry.Fields[0], key)
	if err != nil {
		return err
	}
	for _, e := range v.elems {
		if Equal(e.elems[0], k) {
			return unpack(e.elems[1], entry.Fields[1], out)
		}
	}
	return fmt.Errorf("%w: key %s", ErrElementNotFound, k)
}

// String returns a human readable rendering of v.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.typ {
	case TypeInvalid:
		b.WriteString("<invalid>")
	case TypeBoolean:
		fmt.Fprint(b, v.bits != 0)
	case TypeByte:
		fmt.Fprintf(b, "0x%02x", v.bits)
	case TypeInt16:
		fmt.Fprint(b, int16(v.bits))
	case TypeInt32:
		fmt.Fprint(b, int32(v.bits))
	case TypeInt64:
		fmt.Fprint(b, int64(v.bits))
	case TypeUint16, TypeUint32, TypeUint64:
		fmt.Fprint(b, v.bits)
	case TypeDouble:
		fmt.Fprint(b, math.Float64frombits(v.bits))
	case TypeHandle:
		fmt.Fprintf(b, "handle(%d)", v.bits)
	case TypeString:
		fmt.Fprintf(b, "%q", v.str)
	case TypeObjectPath:
		fmt.Fprintf(b, "path(%s)", v.str)
	case TypeSignature:
		fmt.Fprintf(b, "sig(%s)", v.str)
	case TypeArray:
		if v.sig == "y" {
			fmt.Fprintf(b, "bytes[% x]", v.bytes)
			return
		}
		lb, rb := "[", "]"
		if v.IsDictionary() {
			lb, rb = "{", "}"
		}
		b.WriteString(lb)
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteString(rb)
	case TypeStruct:
		b.WriteByte('(')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(')')
	case TypeDictEntry:
		v.elems[0].format(b)
		b.WriteString(": ")
		v.elems[1].format(b)
	case TypeVariant:
		inner := v.elems[0]
		fmt.Fprintf(b, "<%s>", inner.Signature())
		inner.format(b)
	}
}
