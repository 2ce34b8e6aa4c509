package msgbus

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// MaxSignatureLen is the maximum length of a signature string.
const MaxSignatureLen = 255

// maxNesting bounds container nesting in signatures.
const maxNesting = 64

// A Shape is one parsed complete type.
type Shape struct {
	// Type is the type code of the shape. Struct shapes use
	// [TypeStruct] and dict entries [TypeDictEntry].
	Type TypeID
	// Elem is the element shape of an array.
	Elem *Shape
	// Fields are the members of a struct, or the key and value of a
	// dict entry.
	Fields []*Shape

	str string
}

// String returns the signature string for the shape.
func (s *Shape) String() string { return s.str }

// Alignment returns the wire alignment of values of this shape.
func (s *Shape) Alignment() int { return s.Type.alignment() }

// IsBasic reports whether the shape is a basic (non-container,
// non-variant) type.
func (s *Shape) IsBasic() bool { return basicTypes.Has(s.Type) }

// Equal reports whether s and o describe the same type.
func (s *Shape) Equal(o *Shape) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.str == o.str
}

// A Signature describes the types of a sequence of values.
//
// The zero Signature is the empty signature, which describes no
// values at all.
type Signature struct {
	str    string
	shapes []*Shape
}

// String returns the string encoding of the Signature.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is empty.
func (s Signature) IsZero() bool { return s.str == "" }

// Shapes returns the complete types the signature is made of. The
// returned slice must not be modified.
func (s Signature) Shapes() []*Shape { return s.shapes }

// IsCompleteType reports whether the signature describes exactly one
// complete type.
func (s Signature) IsCompleteType() bool { return len(s.shapes) == 1 }

// Equal reports whether s and o describe the same sequence of types.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

// maxCachedSignatures bounds the parsed signature cache. Signatures
// arrive from peers, so the set of distinct inputs is unbounded.
const maxCachedSignatures = 4096

var strToSignature = cache[string, Signature]{limit: maxCachedSignatures}

// ParseSignature parses a type signature string.
//
// Errors wrap [ErrMalformedSignature].
func ParseSignature(sig string) (Signature, error) {
	return strToSignature.Get(sig, parseSignature)
}

// MustParseSignature is like [ParseSignature], but panics on error.
// It is intended for signature literals.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > MaxSignatureLen {
		return Signature{}, fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrMalformedSignature, len(sig), MaxSignatureLen)
	}
	var (
		rest   = sig
		shapes []*Shape
		shape  *Shape
		err    error
	)
	for rest != "" {
		shape, rest, err = parseOne(rest, false, 0)
		if err != nil {
			return Signature{}, fmt.Errorf("%w %q: %w", ErrMalformedSignature, sig, err)
		}
		shapes = append(shapes, shape)
	}
	return Signature{sig, shapes}, nil
}

// parseOne consumes the first complete type from the front of sig,
// and returns its shape as well as the remainder of the string.
func parseOne(sig string, inArray bool, depth int) (*Shape, string, error) {
	if depth > maxNesting {
		return nil, "", errors.New("containers nested too deeply")
	}
	t := TypeID(sig[0])
	if basicTypes.Has(t) || t == TypeVariant {
		return &Shape{Type: t, str: sig[:1]}, sig[1:], nil
	}

	switch t {
	case TypeArray:
		if len(sig) == 1 {
			return nil, "", errors.New("array is missing element type")
		}
		elem, rest, err := parseOne(sig[1:], true, depth+1)
		if err != nil {
			return nil, "", err
		}
		return &Shape{Type: TypeArray, Elem: elem, str: sig[:len(sig)-len(rest)]}, rest, nil
	case TypeStruct:
		var (
			fields []*Shape
			field  *Shape
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false, depth+1)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct")
		}
		rest = rest[1:]
		return &Shape{Type: TypeStruct, Fields: fields, str: sig[:len(sig)-len(rest)]}, rest, nil
	case TypeDictEntry:
		if !inArray {
			return nil, "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 {
			return nil, "", errors.New("dict entry is missing key type")
		}
		key, rest, err := parseOne(sig[1:], false, depth+1)
		if err != nil {
			return nil, "", err
		}
		if !key.IsBasic() {
			return nil, "", fmt.Errorf("invalid dict entry key type %q, must be a basic type", key.str)
		}
		if rest == "" || rest[0] == '}' {
			return nil, "", errors.New("dict entry is missing value type")
		}
		val, rest, err := parseOne(rest, false, depth+1)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry definition")
		}
		rest = rest[1:]
		return &Shape{Type: TypeDictEntry, Fields: []*Shape{key, val}, str: sig[:len(sig)-len(rest)]}, rest, nil
	default:
		return nil, "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// SplitSignature returns the complete types that make up sig.
func SplitSignature(sig string) ([]string, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	ret := make([]string, len(s.shapes))
	for i, sh := range s.shapes {
		ret[i] = sh.str
	}
	return ret, nil
}

// signatureOfValues returns the concatenated signature of vs.
func signatureOfValues(vs []Value) (Signature, error) {
	var b strings.Builder
	for _, v := range vs {
		b.WriteString(v.Signature())
	}
	return ParseSignature(b.String())
}

var typeToSignature cache[reflect.Type, string]

// SignatureOf returns the signature of the Go value v, as it would be
// converted by [ValueOf].
func SignatureOf(v any) (Signature, error) {
	if val, ok := v.(Value); ok {
		return ParseSignature(val.Signature())
	}
	s, err := signatureFor(reflect.TypeOf(v), nil)
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(s)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (string, error) {
	if t == nil {
		return "", typeErr(t, "nil interface")
	}
	if len(stack) == 0 {
		return typeToSignature.Get(t, func(t reflect.Type) (string, error) {
			return signatureForUncached(t, []reflect.Type{t})
		})
	}
	if slices.Contains(stack, t) {
		return "", typeErr(t, "recursive type")
	}
	return signatureForUncached(t, append(stack, t))
}

func signatureForUncached(t reflect.Type, stack []reflect.Type) (string, error) {
	if id, ok := namedTypes[t]; ok {
		return string(rune(id)), nil
	}
	if t.Kind() == reflect.Pointer {
		return signatureFor(t.Elem(), stack)
	}
	if id, ok := kindToType[t.Kind()]; ok {
		return string(rune(id)), nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a" + es, nil
	case reflect.Map:
		ks, err := signatureFor(t.Key(), stack)
		if err != nil {
			return "", err
		}
		if len(ks) != 1 || !basicTypes.Has(TypeID(ks[0])) {
			return "", typeErr(t, "map key type %s is not a basic type", t.Key())
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a{" + ks + vs + "}", nil
	case reflect.Struct:
		var fs []string
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			s, err := signatureFor(f.Type, stack)
			if err != nil {
				return "", err
			}
			fs = append(fs, s)
		}
		if len(fs) == 0 {
			return "", typeErr(t, "struct has no exported fields")
		}
		return "(" + strings.Join(fs, "") + ")", nil
	}

	return "", typeErr(t, "no mapping available")
}
