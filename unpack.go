package msgbus

import (
	"fmt"
	"math"
	"reflect"
)

// Get unpacks v, which must have the single complete type sig, into
// out.
//
// out must be a non-nil pointer. *Value receives v as-is. Basic types
// unpack into pointers to Go types of the matching kind; strings and
// byte arrays alias v's storage. Arrays unpack into *[]Value or a
// pointer to a Go slice, dictionaries into a pointer to a Go map, and
// structs into *[]Value or a pointer to a Go struct. Variants are
// resolved transparently when sig names the inner type.
func (v Value) Get(sig string, out any) error {
	s, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if !s.IsCompleteType() {
		return fmt.Errorf("%w: %q", ErrNotACompleteType, sig)
	}
	return unpack(v, s.shapes[0], out)
}

// Unpack unpacks vals, which must have signature sig, into outs. Each
// complete type of sig consumes one value and one out pointer, as in
// [Value.Get].
func Unpack(vals []Value, sig string, outs ...any) error {
	s, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if len(s.shapes) != len(vals) {
		return fmt.Errorf("%w: %q describes %d values, have %d", ErrSignatureMismatch, sig, len(s.shapes), len(vals))
	}
	if len(outs) != len(vals) {
		return fmt.Errorf("%w: %d values but %d outputs", ErrSignatureMismatch, len(vals), len(outs))
	}
	for i, sh := range s.shapes {
		if err := unpack(vals[i], sh, outs[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

func unpack(v Value, shape *Shape, out any) error {
	if shape.Type != TypeVariant {
		v = v.Inner()
	}
	if got := v.Signature(); got != shape.str {
		return fmt.Errorf("%w: have %q, want %q", ErrSignatureMismatch, got, shape.str)
	}
	if o, ok := out.(*Value); ok {
		*o = v
		return nil
	}
	v, shape, err := resolve(v, shape)
	if err != nil {
		return err
	}

	switch o := out.(type) {
	case *bool:
		if err := checkType(v, TypeBoolean, o); err != nil {
			return err
		}
		*o = v.bits != 0
	case *uint8:
		if err := checkType(v, TypeByte, o); err != nil {
			return err
		}
		*o = uint8(v.bits)
	case *int16:
		if err := checkType(v, TypeInt16, o); err != nil {
			return err
		}
		*o = int16(v.bits)
	case *uint16:
		if err := checkType(v, TypeUint16, o); err != nil {
			return err
		}
		*o = uint16(v.bits)
	case *int32:
		if err := checkType(v, TypeInt32, o); err != nil {
			return err
		}
		*o = int32(v.bits)
	case *uint32:
		if err := checkType(v, TypeUint32, o); err != nil {
			return err
		}
		*o = uint32(v.bits)
	case *int64:
		if err := checkType(v, TypeInt64, o); err != nil {
			return err
		}
		*o = int64(v.bits)
	case *uint64:
		if err := checkType(v, TypeUint64, o); err != nil {
			return err
		}
		*o = v.bits
	case *float64:
		if err := checkType(v, TypeDouble, o); err != nil {
			return err
		}
		*o = math.Float64frombits(v.bits)
	case *Handle:
		if err := checkType(v, TypeHandle, o); err != nil {
			return err
		}
		*o = Handle(v.bits)
	case *string:
		if v.typ != TypeString && v.typ != TypeObjectPath && v.typ != TypeSignature {
			return unpackErr(v, out)
		}
		*o = v.str
	case *ObjectPath:
		if err := checkType(v, TypeObjectPath, o); err != nil {
			return err
		}
		*o = ObjectPath(v.str)
	case *Signature:
		if err := checkType(v, TypeSignature, o); err != nil {
			return err
		}
		s, err := ParseSignature(v.str)
		if err != nil {
			return err
		}
		*o = s
	case *[]byte:
		if v.typ != TypeArray || v.sig != "y" {
			return unpackErr(v, out)
		}
		*o = v.bytes
	case *[]Value:
		if v.typ != TypeArray && v.typ != TypeStruct {
			return unpackErr(v, out)
		}
		*o = v.Elements()
	default:
		rv := reflect.ValueOf(out)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("%w: output must be a non-nil pointer, got %T", ErrSignatureMismatch, out)
		}
		return unpackReflect(v, shape, rv.Elem())
	}
	return nil
}

// resolve unwraps variants, returning the innermost value and its
// shape.
func resolve(v Value, shape *Shape) (Value, *Shape, error) {
	if v.typ != TypeVariant {
		return v, shape, nil
	}
	v = v.Inner()
	s, err := ParseSignature(v.Signature())
	if err != nil {
		return Value{}, nil, err
	}
	return v, s.shapes[0], nil
}

func checkType(v Value, want TypeID, out any) error {
	if v.typ != want {
		return unpackErr(v, out)
	}
	return nil
}

func unpackErr(v Value, out any) error {
	return fmt.Errorf("%w: cannot unpack %q into %T", ErrSignatureMismatch, v.Signature(), out)
}

// unpackReflect stores v into the settable rv.
func unpackReflect(v Value, shape *Shape, rv reflect.Value) error {
	if rv.Type() == reflect.TypeFor[Value]() {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if rv.Kind() == reflect.Interface && rv.NumMethod() == 0 {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return unpackReflect(v, shape, rv.Elem())
	}

	v, shape, err := resolve(v, shape)
	if err != nil {
		return err
	}

	if rv.Type() == reflect.TypeFor[Signature]() {
		if v.typ != TypeSignature {
			return fmt.Errorf("%w: cannot unpack %q into %s", ErrSignatureMismatch, v.Signature(), rv.Type())
		}
		sig, err := ParseSignature(v.str)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(sig))
		return nil
	}

	if want, ok := kindToType[rv.Kind()]; ok {
		switch {
		case want == v.typ, want == TypeString && (v.typ == TypeObjectPath || v.typ == TypeSignature),
			want == TypeUint32 && v.typ == TypeHandle:
		default:
			return fmt.Errorf("%w: cannot unpack %q into %s", ErrSignatureMismatch, v.Signature(), rv.Type())
		}
		switch rv.Kind() {
		case reflect.Bool:
			rv.SetBool(v.bits != 0)
		case reflect.String:
			rv.SetString(v.str)
		case reflect.Float64:
			rv.SetFloat(math.Float64frombits(v.bits))
		case reflect.Int16:
			rv.SetInt(int64(int16(v.bits)))
		case reflect.Int32:
			rv.SetInt(int64(int32(v.bits)))
		case reflect.Int64:
			rv.SetInt(int64(v.bits))
		default:
			rv.SetUint(v.bits)
		}
		return nil
	}

	switch rv.Kind() {
	case reflect.Slice:
		if v.typ != TypeArray || v.IsDictionary() {
			break
		}
		if v.sig == "y" && rv.Type().Elem().Kind() == reflect.Uint8 {
			rv.SetBytes(v.bytes)
			return nil
		}
		elems := v.Elements()
		ret := reflect.MakeSlice(rv.Type(), len(elems), len(elems))
		for i, e := range elems {
			if err := unpackReflect(e, shape.Elem, ret.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		rv.Set(ret)
		return nil
	case reflect.Map:
		if !v.IsDictionary() {
			break
		}
		entry := shape.Elem
		ret := reflect.MakeMapWithSize(rv.Type(), len(v.elems))
		for _, e := range v.elems {
			k := reflect.New(rv.Type().Key()).Elem()
			if err := unpackReflect(e.elems[0], entry.Fields[0], k); err != nil {
				return fmt.Errorf("dict key: %w", err)
			}
			val := reflect.New(rv.Type().Elem()).Elem()
			if err := unpackReflect(e.elems[1], entry.Fields[1], val); err != nil {
				return fmt.Errorf("dict value %v: %w", k, err)
			}
			ret.SetMapIndex(k, val)
		}
		rv.Set(ret)
		return nil
	case reflect.Struct:
		if v.typ != TypeStruct {
			break
		}
		fi := 0
		for i := range rv.NumField() {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			if fi >= len(v.elems) {
				return fmt.Errorf("%w: %s has more fields than %q", ErrSignatureMismatch, rv.Type(), v.Signature())
			}
			if err := unpackReflect(v.elems[fi], shape.Fields[fi], rv.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", rv.Type().Field(i).Name, err)
			}
			fi++
		}
		if fi != len(v.elems) {
			return fmt.Errorf("%w: %s has fewer fields than %q", ErrSignatureMismatch, rv.Type(), v.Signature())
		}
		return nil
	}
	return fmt.Errorf("%w: cannot unpack %q into %s", ErrSignatureMismatch, v.Signature(), rv.Type())
}
