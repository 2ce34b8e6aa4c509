package msgbus

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

// A TypeID is the discriminant of a [Value], and the single byte type
// code used in signatures.
type TypeID byte

const (
	TypeInvalid    TypeID = 0
	TypeBoolean    TypeID = 'b'
	TypeByte       TypeID = 'y'
	TypeInt16      TypeID = 'n'
	TypeUint16     TypeID = 'q'
	TypeInt32      TypeID = 'i'
	TypeUint32     TypeID = 'u'
	TypeInt64      TypeID = 'x'
	TypeUint64     TypeID = 't'
	TypeDouble     TypeID = 'd'
	TypeString     TypeID = 's'
	TypeObjectPath TypeID = 'o'
	TypeSignature  TypeID = 'g'
	TypeHandle     TypeID = 'h'
	TypeArray      TypeID = 'a'
	TypeStruct     TypeID = '('
	TypeDictEntry  TypeID = '{'
	TypeVariant    TypeID = 'v'
)

var typeNames = map[TypeID]string{
	TypeInvalid:    "invalid",
	TypeBoolean:    "boolean",
	TypeByte:       "byte",
	TypeInt16:      "int16",
	TypeUint16:     "uint16",
	TypeInt32:      "int32",
	TypeUint32:     "uint32",
	TypeInt64:      "int64",
	TypeUint64:     "uint64",
	TypeDouble:     "double",
	TypeString:     "string",
	TypeObjectPath: "object_path",
	TypeSignature:  "signature",
	TypeHandle:     "handle",
	TypeArray:      "array",
	TypeStruct:     "struct",
	TypeDictEntry:  "dict_entry",
	TypeVariant:    "variant",
}

func (t TypeID) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown(" + string(rune(t)) + ")"
}

var (
	// basicTypes is the set of type codes that can be dict entry keys.
	basicTypes = mapset.New(
		TypeBoolean,
		TypeByte,
		TypeInt16,
		TypeUint16,
		TypeInt32,
		TypeUint32,
		TypeInt64,
		TypeUint64,
		TypeDouble,
		TypeString,
		TypeObjectPath,
		TypeSignature,
		TypeHandle,
	)

	// kindToType maps the reflect.Kinds of Go values that have a
	// direct wire representation to their type code.
	kindToType = map[reflect.Kind]TypeID{
		reflect.Bool:    TypeBoolean,
		reflect.Uint8:   TypeByte,
		reflect.Int16:   TypeInt16,
		reflect.Uint16:  TypeUint16,
		reflect.Int32:   TypeInt32,
		reflect.Uint32:  TypeUint32,
		reflect.Int64:   TypeInt64,
		reflect.Uint64:  TypeUint64,
		reflect.Float64: TypeDouble,
		reflect.String:  TypeString,
	}

	// namedTypes maps Go types whose wire type differs from what
	// their Kind would suggest.
	namedTypes = map[reflect.Type]TypeID{
		reflect.TypeFor[ObjectPath](): TypeObjectPath,
		reflect.TypeFor[Signature]():  TypeSignature,
		reflect.TypeFor[Handle]():     TypeHandle,
		reflect.TypeFor[Value]():      TypeVariant,
		reflect.TypeFor[any]():        TypeVariant,
	}
)

// A Handle is the index of a socket handle carried in a message.
type Handle uint32

func (t TypeID) alignment() int {
	switch t {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeString, TypeObjectPath, TypeHandle, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 1
	}
}
