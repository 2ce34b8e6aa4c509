package msgbus

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type simple struct {
	A int16
	B bool
}

type nested struct {
	A byte
	B simple
}

type tree struct {
	Children []tree
}

type hidden struct {
	A string
	b int32
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{false, "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{"", "s"},
		{Signature{}, "g"},
		{ObjectPath(""), "o"},
		{Handle(0), "h"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{map[string]any{}, "a{sv}"},
		{simple{}, "(nb)"},
		{&simple{}, "(nb)"},
		{[]simple{}, "a(nb)"},
		{nested{}, "(y(nb))"},
		{hidden{}, "(s)"},
		{struct{ A any }{int16(0)}, "(v)"},
		{MakeInt32(1), "i"},
		{MakeVariant(MakeString("x")), "v"},

		{nil, ""},
		{int(0), ""},
		{struct{}{}, ""},
		{tree{}, ""},
		{map[simple]bool{}, ""},
		{map[[2]int64]bool{}, ""},
		{func() int { return 2 }, ""},
	}

	for _, tc := range tests {
		got, err := SignatureOf(tc.in)
		if tc.want == "" {
			if err == nil {
				t.Errorf("SignatureOf(%T) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("SignatureOf(%T) got err: %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("SignatureOf(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in    string
		parts []string
	}{
		{"", nil},
		{"y", []string{"y"}},
		{"sib", []string{"s", "i", "b"}},
		{"a{sv}", []string{"a{sv}"}},
		{"a{sv}as(ii)", []string{"a{sv}", "as", "(ii)"}},
		{"(y(nb))v", []string{"(y(nb))", "v"}},
		{"aa{oa{sa{sv}}}", []string{"aa{oa{sa{sv}}}"}},
		{strings.Repeat("a", 64) + "y", []string{strings.Repeat("a", 64) + "y"}},
	}
	for _, tc := range tests {
		sig, err := ParseSignature(tc.in)
		if err != nil {
			t.Errorf("ParseSignature(%q) got err: %v", tc.in, err)
			continue
		}
		if sig.String() != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q", tc.in, sig)
		}
		got, err := SplitSignature(tc.in)
		if err != nil {
			t.Errorf("SplitSignature(%q) got err: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.parts); diff != "" && len(got)+len(tc.parts) > 0 {
			t.Errorf("SplitSignature(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
		if want := len(tc.parts) == 1; sig.IsCompleteType() != want {
			t.Errorf("ParseSignature(%q).IsCompleteType() = %v, want %v", tc.in, sig.IsCompleteType(), want)
		}
	}
}

func TestParseSignatureErrors(t *testing.T) {
	tests := []string{
		"a",
		"aa",
		"(",
		"(s",
		"()",
		"s)",
		"{sv}",
		"a{vs}",
		"a{(s)s}",
		"a{s}",
		"a{sss}",
		"a{sv",
		"z",
		"ai_",
		strings.Repeat("a", 65) + "y",
		strings.Repeat("y", MaxSignatureLen+1),
	}
	for _, in := range tests {
		got, err := ParseSignature(in)
		if err == nil {
			t.Errorf("ParseSignature(%q) = %q, want error", in, got)
			continue
		}
		if !errors.Is(err, ErrMalformedSignature) {
			t.Errorf("ParseSignature(%q) error %v does not wrap ErrMalformedSignature", in, err)
		}
	}
}

func TestShape(t *testing.T) {
	sig := MustParseSignature("a{s(iv)}")
	sh := sig.Shapes()[0]
	if sh.Type != TypeArray {
		t.Fatalf("shape type = %v, want array", sh.Type)
	}
	entry := sh.Elem
	if entry.Type != TypeDictEntry || len(entry.Fields) != 2 {
		t.Fatalf("element shape = %v, want a dict entry", entry)
	}
	if got := entry.Fields[0].String(); got != "s" {
		t.Errorf("key shape = %q, want %q", got, "s")
	}
	if got := entry.Fields[1].String(); got != "(iv)" {
		t.Errorf("value shape = %q, want %q", got, "(iv)")
	}
	if got := entry.Fields[1].Alignment(); got != 8 {
		t.Errorf("struct alignment = %d, want 8", got)
	}
	if !entry.Fields[0].IsBasic() || entry.Fields[1].IsBasic() {
		t.Error("wrong IsBasic results")
	}
}

func TestSignatureCacheBounded(t *testing.T) {
	before := strToSignature.Len()
	for i := range 1000 {
		bad := fmt.Sprintf("(%d", i)
		if _, err := ParseSignature(bad); !errors.Is(err, ErrMalformedSignature) {
			t.Fatalf("ParseSignature(%q) err = %v, want ErrMalformedSignature", bad, err)
		}
		long := strings.Repeat("i", MaxSignatureLen+1+i)
		if _, err := ParseSignature(long); !errors.Is(err, ErrMalformedSignature) {
			t.Fatalf("ParseSignature of %d bytes err = %v, want ErrMalformedSignature", len(long), err)
		}
	}
	if after := strToSignature.Len(); after != before {
		t.Errorf("cache grew from %d to %d entries on malformed input", before, after)
	}

	// Distinct valid signatures fill the cache up to its limit, and
	// still parse once it is full.
	for i := range 2 * maxCachedSignatures {
		var b strings.Builder
		b.WriteByte('(')
		for bit := range 14 {
			if i&(1<<bit) != 0 {
				b.WriteByte('u')
			} else {
				b.WriteByte('i')
			}
		}
		b.WriteByte(')')
		sig, err := ParseSignature(b.String())
		if err != nil {
			t.Fatalf("ParseSignature(%q): %v", b.String(), err)
		}
		if sig.String() != b.String() {
			t.Fatalf("ParseSignature(%q) = %q", b.String(), sig)
		}
	}
	if got := strToSignature.Len(); got > maxCachedSignatures {
		t.Errorf("cache holds %d entries, want at most %d", got, maxCachedSignatures)
	}
}
