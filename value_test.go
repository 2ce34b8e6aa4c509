package msgbus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestBuildGet(t *testing.T) {
	tests := []struct {
		sig string
		in  any
	}{
		{"b", true},
		{"y", uint8(7)},
		{"n", int16(-3)},
		{"q", uint16(9)},
		{"i", int32(-100000)},
		{"u", uint32(7)},
		{"x", int64(-1 << 40)},
		{"t", uint64(1 << 63)},
		{"d", 3.25},
		{"s", "hello"},
		{"o", ObjectPath("/a/b")},
		{"g", MustParseSignature("a{sv}")},
		{"h", Handle(3)},
		{"as", []string{"a", "b"}},
		{"ay", []byte{1, 2, 3}},
		{"a{sx}", map[string]int64{"a": 1, "b": -2}},
		{"(nb)", simple{-4, true}},
		{"a(y(nb))", []nested{{1, simple{2, false}}, {3, simple{4, true}}}},
		{"aa{sai}", []map[string][]int32{{"x": {1, 2}}, {"y": nil, "z": {3}}}},
	}

	for _, tc := range tests {
		v, err := Build(tc.sig, tc.in)
		if err != nil {
			t.Errorf("Build(%q, %#v) got err: %v", tc.sig, tc.in, err)
			continue
		}
		if got := v.Signature(); got != tc.sig {
			t.Errorf("Build(%q, %#v).Signature() = %q", tc.sig, tc.in, got)
		}

		out := reflect.New(reflect.TypeOf(tc.in))
		if err := v.Get(tc.sig, out.Interface()); err != nil {
			t.Errorf("Get(%q) of %v got err: %v", tc.sig, v, err)
			continue
		}
		// The wire format cannot distinguish nil and empty slices.
		if diff := cmp.Diff(out.Elem().Interface(), tc.in, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Get(%q) wrong result (-got+want):\n%s", tc.sig, diff)
		}

		// And through the wire codec.
		m := &Message{Type: MessageSignal, Serial: 1, Path: "/", Interface: "a.b", Member: "C", Args: []Value{v}}
		bs, err := m.Marshal(DefaultByteOrder())
		if err != nil {
			t.Errorf("marshaling %v: %v", v, err)
			continue
		}
		m2, err := UnmarshalMessage(bs)
		if err != nil {
			t.Errorf("unmarshaling %v: %v", v, err)
			continue
		}
		if !Equal(m2.Arg(0), v) {
			t.Errorf("wire round trip of %q changed value: got %v, want %v", tc.sig, m2.Arg(0), v)
		}
	}
}

func TestValueOfNested(t *testing.T) {
	in := map[string][]map[string]any{
		"outer": {
			{"a": int32(1), "b": []string{"x", "y"}},
			{"c": map[string]any{"deep": ObjectPath("/d")}},
		},
	}
	v, err := ValueOf(in)
	if err != nil {
		t.Fatalf("ValueOf: %v", err)
	}
	if got, want := v.Signature(), "a{saa{sv}}"; got != want {
		t.Fatalf("ValueOf signature = %q, want %q", got, want)
	}

	var outer []Value
	if err := v.DictLookup("{saa{sv}}", "outer", &outer); err != nil {
		t.Fatalf("DictLookup(outer): %v", err)
	}
	if len(outer) != 2 {
		t.Fatalf("outer has %d elements, want 2", len(outer))
	}
	var a int32
	if err := outer[0].DictLookup("{sv}", "a", &a); err != nil {
		t.Fatalf("DictLookup(a): %v", err)
	}
	if a != 1 {
		t.Errorf("a = %d, want 1", a)
	}
	var c map[string]any
	if err := outer[1].DictLookup("{sv}", "c", &c); err != nil {
		t.Fatalf("DictLookup(c): %v", err)
	}
	deep, ok := c["deep"].(Value)
	if !ok {
		t.Fatalf("c[deep] is %T, want Value", c["deep"])
	}
	if !Equal(deep, MakeVariant(MakeObjectPath("/d"))) {
		t.Errorf("c[deep] = %v, want <o>path(/d)", deep)
	}
}

func TestDictLookupErrors(t *testing.T) {
	d := MustBuild("a{si}", map[string]int32{"one": 1})
	var i int32
	if err := d.DictLookup("{si}", "two", &i); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("missing key got err %v, want ErrElementNotFound", err)
	}
	if err := d.DictLookup("{sv}", "one", &i); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("wrong entry signature got err %v, want ErrSignatureMismatch", err)
	}
	if err := MakeInt32(1).DictLookup("{si}", "one", &i); !errors.Is(err, ErrNotADictionary) {
		t.Errorf("non-dictionary got err %v, want ErrNotADictionary", err)
	}
	var s string
	if err := d.DictLookup("{si}", "one", &s); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("wrong output type got err %v, want ErrSignatureMismatch", err)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		sig  string
		in   any
		want error
	}{
		{"i", "x", ErrSignatureMismatch},
		{"s", int32(1), ErrSignatureMismatch},
		{"ii", int32(1), ErrNotACompleteType},
		{"", 1, ErrMalformedSignature},
		{"a{", nil, ErrMalformedSignature},
		{"(ii)", []any{int32(1)}, ErrSignatureMismatch},
		{"as", []int32{1}, ErrSignatureMismatch},
	}
	for _, tc := range tests {
		got, err := Build(tc.sig, tc.in)
		if !errors.Is(err, tc.want) {
			t.Errorf("Build(%q, %#v) = %v, %v; want err %v", tc.sig, tc.in, got, err, tc.want)
		}
	}
}

func TestStabilize(t *testing.T) {
	bs := []byte{1, 2}
	v := MakeStruct(MakeBytes(bs), MakeString("x"))
	if v.IsStable() {
		t.Fatal("struct of borrowed bytes reports stable")
	}
	v.Stabilize()
	if !v.IsStable() {
		t.Fatal("Stabilize did not stabilize")
	}
	bs[0] = 9
	if got := v.Index(0).Index(0); !Equal(got, MakeByte(1)) {
		t.Errorf("stabilized value changed with its input: %v", got)
	}
	v.Stabilize()
	if !v.IsStable() {
		t.Error("second Stabilize unstabilized")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{MakeInt16(-2), "-2"},
		{MakeString("a"), `"a"`},
		{MakeObjectPath("/x"), "path(/x)"},
		{MakeBytes([]byte{1, 0xff}), "bytes[01 ff]"},
		{MakeVariant(MakeBool(true)), "<b>true"},
		{MustBuild("a{sq}", map[string]uint16{"k": 3}), `{"k": 3}`},
		{MakeStruct(MakeByte(1), MakeDouble(0.5)), "(0x01, 0.5)"},
		{Value{}, "<invalid>"},
	}
	for _, tc := range tests {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestMakeArray(t *testing.T) {
	if _, err := MakeArray("s", []Value{MakeString("a"), MakeInt32(1)}); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("mixed array got err %v, want ErrSignatureMismatch", err)
	}
	if _, err := MakeArray("ss", nil); !errors.Is(err, ErrNotACompleteType) {
		t.Errorf("non-complete element type got err %v, want ErrNotACompleteType", err)
	}
	empty, err := MakeArray("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Len() != 0 || empty.Signature() != "as" {
		t.Errorf("empty array = %v (%s)", empty, empty.Signature())
	}
	if _, err := MakeDictEntry(MakeVariant(MakeInt32(1)), MakeInt32(1)); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("variant dict key got err %v, want ErrSignatureMismatch", err)
	}
}
