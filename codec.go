package msgbus

import (
	"bytes"
	"fmt"

	"github.com/danderson/msgbus/fragments"
)

// maxVariantDepth bounds variants nested inside variants in decoded
// messages.
const maxVariantDepth = 64

func encodeValue(e *fragments.Encoder, v Value) error {
	switch v.typ {
	case TypeBoolean:
		e.Bool(v.bits != 0)
	case TypeByte:
		e.Uint8(uint8(v.bits))
	case TypeInt16, TypeUint16:
		e.Uint16(uint16(v.bits))
	case TypeInt32, TypeUint32, TypeHandle:
		e.Uint32(uint32(v.bits))
	case TypeInt64, TypeUint64, TypeDouble:
		e.Uint64(v.bits)
	case TypeString:
		if bytes.IndexByte([]byte(v.str), 0) >= 0 {
			return fmt.Errorf("%w: string contains NUL byte", ErrInvalidArgs)
		}
		e.String(v.str)
	case TypeObjectPath:
		if err := ObjectPath(v.str).validate(); err != nil {
			return err
		}
		e.String(v.str)
	case TypeSignature:
		if _, err := ParseSignature(v.str); err != nil {
			return err
		}
		e.Signature(v.str)
	case TypeArray:
		align := TypeID(v.sig[0]).alignment()
		return e.Array(align, func() error {
			if v.sig == "y" {
				e.Write(v.bytes)
				return nil
			}
			for _, elem := range v.elems {
				if err := encodeValue(e, elem); err != nil {
					return err
				}
			}
			return nil
		})
	case TypeStruct, TypeDictEntry:
		return e.Struct(func() error {
			for _, elem := range v.elems {
				if err := encodeValue(e, elem); err != nil {
					return err
				}
			}
			return nil
		})
	case TypeVariant:
		inner := v.elems[0]
		sig := inner.Signature()
		if _, err := ParseSignature(sig); err != nil {
			return err
		}
		e.Signature(sig)
		return encodeValue(e, inner)
	default:
		return fmt.Errorf("%w: cannot encode %s value", ErrInvalidArgs, v.typ)
	}
	return nil
}

func decodeValue(d *fragments.Decoder, shape *Shape, variantDepth int) (Value, error) {
	switch shape.Type {
	case TypeBoolean:
		b, err := d.Bool()
		return MakeBool(b), err
	case TypeByte:
		u, err := d.Uint8()
		return MakeByte(u), err
	case TypeInt16, TypeUint16:
		u, err := d.Uint16()
		return scalar(shape.Type, uint64(u)), err
	case TypeInt32, TypeUint32, TypeHandle:
		u, err := d.Uint32()
		return scalar(shape.Type, uint64(u)), err
	case TypeInt64, TypeUint64, TypeDouble:
		u, err := d.Uint64()
		return scalar(shape.Type, u), err
	case TypeString:
		s, err := d.String()
		return MakeString(s), err
	case TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return Value{}, err
		}
		if err := ObjectPath(s).validate(); err != nil {
			return Value{}, err
		}
		return MakeObjectPath(ObjectPath(s)), nil
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return Value{}, err
		}
		return MakeSignature(sig), nil
	case TypeArray:
		if shape.Elem.Type == TypeByte {
			bs, err := d.Bytes()
			if err != nil {
				return Value{}, err
			}
			return Value{typ: TypeArray, sig: "y", bytes: bytes.Clone(bs), owned: true}, nil
		}
		elems := []Value{}
		_, err := d.Array(shape.Elem.Alignment(), func(int) error {
			ev, err := decodeValue(d, shape.Elem, variantDepth)
			if err != nil {
				return err
			}
			elems = append(elems, ev)
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		if shape.Elem.Type == TypeDictEntry {
			type basicKey struct {
				bits uint64
				str  string
			}
			seen := map[basicKey]bool{}
			for _, e := range elems {
				k := e.elems[0]
				bk := basicKey{k.bits, k.str}
				if seen[bk] {
					return Value{}, fmt.Errorf("duplicate dictionary key %s", k)
				}
				seen[bk] = true
			}
		}
		return Value{typ: TypeArray, sig: shape.Elem.str, elems: elems, owned: true}, nil
	case TypeStruct, TypeDictEntry:
		members := make([]Value, 0, len(shape.Fields))
		err := d.Struct(func() error {
			for _, f := range shape.Fields {
				m, err := decodeValue(d, f, variantDepth)
				if err != nil {
					return err
				}
				members = append(members, m)
			}
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{typ: shape.Type, elems: members, owned: true}, nil
	case TypeVariant:
		if variantDepth >= maxVariantDepth {
			return Value{}, fmt.Errorf("variants nested too deeply")
		}
		s, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return Value{}, err
		}
		if !sig.IsCompleteType() {
			return Value{}, fmt.Errorf("%w: variant signature %q", ErrNotACompleteType, s)
		}
		inner, err := decodeValue(d, sig.shapes[0], variantDepth+1)
		if err != nil {
			return Value{}, err
		}
		return MakeVariant(inner), nil
	default:
		return Value{}, fmt.Errorf("cannot decode type %s", shape.Type)
	}
}
