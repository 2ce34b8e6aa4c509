package msgbus

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
)

// Build constructs a Value of the single complete type sig from arg.
//
// arg may be a Go value of a matching type (named types are accepted
// by kind), a Go slice, array, map or struct whose elements match the
// container type, or an already built Value of type sig. Variants
// accept any representable Go value, or a Value to wrap.
//
// Byte arrays built from a []byte borrow the slice.
func Build(sig string, args ...any) (Value, error) {
	if sig == "" {
		return Value{}, fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	s, err := ParseSignature(sig)
	if err != nil {
		return Value{}, err
	}
	if !s.IsCompleteType() {
		return Value{}, fmt.Errorf("%w: %q", ErrNotACompleteType, sig)
	}
	if len(args) != 1 {
		return Value{}, fmt.Errorf("%w: %q takes 1 argument, got %d", ErrSignatureMismatch, sig, len(args))
	}
	return build(s.shapes[0], args[0])
}

// MustBuild is like [Build], but panics on error.
func MustBuild(sig string, arg any) Value {
	ret, err := Build(sig, arg)
	if err != nil {
		panic(err)
	}
	return ret
}

// BuildArgs constructs one Value per complete type of sig, for use as
// a message body.
func BuildArgs(sig string, args ...any) ([]Value, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(s.shapes) != len(args) {
		return nil, fmt.Errorf("%w: %q takes %d arguments, got %d", ErrSignatureMismatch, sig, len(s.shapes), len(args))
	}
	ret := make([]Value, len(args))
	for i, sh := range s.shapes {
		ret[i], err = build(sh, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return ret, nil
}

// ValueOf returns the Value representation of the Go value v.
//
// Go types map to wire types as follows: bool, uint8, int16, uint16,
// int32, uint32, int64, uint64, float64 and string map to the
// corresponding basic types, [ObjectPath], [Signature] and [Handle]
// to their types, slices and arrays to arrays, maps to dictionaries,
// structs to structs of their exported fields, and any or [Value]
// to variants. A Value is returned unchanged.
func ValueOf(v any) (Value, error) {
	if val, ok := v.(Value); ok {
		return val, nil
	}
	sig, err := SignatureOf(v)
	if err != nil {
		return Value{}, err
	}
	return build(sig.shapes[0], v)
}

func mismatch(shape *Shape, arg any) error {
	return fmt.Errorf("%w: cannot use %T as %q", ErrSignatureMismatch, arg, shape.str)
}

func build(shape *Shape, arg any) (Value, error) {
	switch v := arg.(type) {
	case Value:
		if v.Signature() == shape.str {
			return v, nil
		}
		if shape.Type == TypeVariant && v.IsValid() {
			return MakeVariant(v), nil
		}
		return Value{}, mismatch(shape, arg)
	case *Value:
		if v == nil {
			return Value{}, mismatch(shape, arg)
		}
		return build(shape, *v)
	}

	if shape.Type == TypeVariant {
		inner, err := ValueOf(arg)
		if err != nil {
			return Value{}, err
		}
		return MakeVariant(inner), nil
	}

	if shape.IsBasic() {
		return buildBasic(shape, arg)
	}

	switch shape.Type {
	case TypeArray:
		return buildArray(shape, arg)
	case TypeStruct:
		return buildStruct(shape, arg)
	case TypeDictEntry:
		if kv, ok := arg.([]any); ok && len(kv) == 2 {
			return buildEntry(shape, kv[0], kv[1])
		}
	}
	return Value{}, mismatch(shape, arg)
}

func buildBasic(shape *Shape, arg any) (Value, error) {
	switch v := arg.(type) {
	case ObjectPath:
		if shape.Type == TypeObjectPath {
			return MakeObjectPath(v), nil
		}
		return Value{}, mismatch(shape, arg)
	case Signature:
		if shape.Type == TypeSignature {
			return MakeSignature(v), nil
		}
		return Value{}, mismatch(shape, arg)
	case Handle:
		if shape.Type == TypeHandle {
			return MakeHandle(v), nil
		}
		return Value{}, mismatch(shape, arg)
	}

	rv := reflect.ValueOf(arg)
	if !rv.IsValid() {
		return Value{}, mismatch(shape, arg)
	}
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	want := shape.Type
	switch want {
	case TypeObjectPath:
		if rv.Kind() == reflect.String {
			return MakeObjectPath(ObjectPath(rv.String())), nil
		}
	case TypeSignature:
		if rv.Kind() == reflect.String {
			s, err := ParseSignature(rv.String())
			if err != nil {
				return Value{}, err
			}
			return MakeSignature(s), nil
		}
	case TypeHandle:
		if rv.Kind() == reflect.Uint32 {
			return MakeHandle(Handle(rv.Uint())), nil
		}
	default:
		if kindToType[rv.Kind()] != want {
			break
		}
		switch want {
		case TypeBoolean:
			return MakeBool(rv.Bool()), nil
		case TypeString:
			return MakeString(rv.String()), nil
		case TypeDouble:
			return MakeDouble(rv.Float()), nil
		case TypeInt16, TypeInt32, TypeInt64:
			return scalar(want, mask(want, uint64(rv.Int()))), nil
		default:
			return scalar(want, rv.Uint()), nil
		}
	}
	return Value{}, mismatch(shape, arg)
}

// mask truncates sign extended bits to the width of t.
func mask(t TypeID, bits uint64) uint64 {
	switch t {
	case TypeInt16:
		return uint64(uint16(bits))
	case TypeInt32:
		return uint64(uint32(bits))
	default:
		return bits
	}
}

func buildArray(shape *Shape, arg any) (Value, error) {
	elem := shape.Elem
	switch v := arg.(type) {
	case []byte:
		if elem.Type == TypeByte {
			return MakeBytes(v), nil
		}
	case []Value:
		return MakeArray(elem.str, v)
	}

	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if elem.Type == TypeDictEntry {
			break
		}
		if elem.Type == TypeByte && rv.Type().Elem().Kind() == reflect.Uint8 && rv.Kind() == reflect.Slice {
			return MakeBytes(rv.Bytes()), nil
		}
		elems := make([]Value, rv.Len())
		for i := range elems {
			ev, err := build(elem, rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = ev
		}
		return ownedArray(elem.str, elems)
	case reflect.Map:
		if elem.Type != TypeDictEntry {
			break
		}
		keys := rv.MapKeys()
		entries := make([]Value, 0, len(keys))
		for _, k := range keys {
			ev, err := buildEntry(elem, k.Interface(), rv.MapIndex(k).Interface())
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, ev)
		}
		// Map iteration order is random, sort for reproducible
		// encodings.
		slices.SortFunc(entries, func(a, b Value) int {
			return compareBasic(a.elems[0], b.elems[0])
		})
		return ownedArray(elem.str, entries)
	}
	return Value{}, mismatch(shape, arg)
}

// ownedArray is MakeArray for element slices that were freshly
// allocated by the caller.
func ownedArray(elemSig string, elems []Value) (Value, error) {
	ret, err := MakeArray(elemSig, elems)
	if err != nil {
		return Value{}, err
	}
	ret.owned = true
	for _, e := range elems {
		ret.owned = ret.owned && e.owned
	}
	return ret, nil
}

func buildEntry(shape *Shape, key, val any) (Value, error) {
	k, err := build(shape.Fields[0], key)
	if err != nil {
		return Value{}, fmt.Errorf("dict key: %w", err)
	}
	v, err := build(shape.Fields[1], val)
	if err != nil {
		return Value{}, fmt.Errorf("dict value: %w", err)
	}
	return MakeDictEntry(k, v)
}

func compareBasic(a, b Value) int {
	switch a.typ {
	case TypeString, TypeObjectPath, TypeSignature:
		return cmp.Compare(a.str, b.str)
	case TypeInt16:
		return cmp.Compare(int16(a.bits), int16(b.bits))
	case TypeInt32:
		return cmp.Compare(int32(a.bits), int32(b.bits))
	case TypeInt64:
		return cmp.Compare(int64(a.bits), int64(b.bits))
	default:
		return cmp.Compare(a.bits, b.bits)
	}
}

func buildStruct(shape *Shape, arg any) (Value, error) {
	var fields []any
	switch v := arg.(type) {
	case []any:
		fields = v
	default:
		rv := reflect.ValueOf(arg)
		for rv.Kind() == reflect.Pointer && !rv.IsNil() {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return Value{}, mismatch(shape, arg)
		}
		for i := range rv.NumField() {
			if rv.Type().Field(i).IsExported() {
				fields = append(fields, rv.Field(i).Interface())
			}
		}
	}
	if len(fields) != len(shape.Fields) {
		return Value{}, fmt.Errorf("%w: %q has %d members, got %d values", ErrSignatureMismatch, shape.str, len(shape.Fields), len(fields))
	}
	members := make([]Value, len(fields))
	owned := true
	for i, f := range fields {
		m, err := build(shape.Fields[i], f)
		if err != nil {
			return Value{}, fmt.Errorf("struct member %d: %w", i, err)
		}
		members[i] = m
		owned = owned && m.owned
	}
	ret := MakeStruct(members...)
	ret.owned = owned
	return ret, nil
}
