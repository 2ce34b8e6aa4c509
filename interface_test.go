package msgbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testInterface(t *testing.T) *InterfaceDescription {
	t.Helper()
	iface := NewInterface("org.example.Test", true)
	for _, err := range []error{
		iface.AddMethod("Cat", "ss", "s", "a,b,out", 0),
		iface.AddMethod("Fire", "i", "", "", MemberNoReply|MemberDeprecated),
		iface.AddSignal("Changed", "sv", "name,value", 0),
		iface.AddProperty("Name", "s", PropReadWrite),
		iface.AddProperty("Count", "u", PropRead),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	iface.Activate()
	return iface
}

func TestInterfaceDescription(t *testing.T) {
	iface := testInterface(t)
	if !iface.IsActivated() || !iface.IsSecure() {
		t.Fatal("wrong interface state")
	}

	var names []string
	for _, m := range iface.Members() {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff(names, []string{"Cat", "Changed", "Fire"}); diff != "" {
		t.Errorf("members not sorted by name (-got+want):\n%s", diff)
	}

	if !iface.HasMember("Cat", "ss", "s") || !iface.HasMember("Cat", "", "") {
		t.Error("HasMember(Cat) = false")
	}
	if iface.HasMember("Cat", "s", "") || iface.HasMember("Dog", "", "") {
		t.Error("HasMember matched a wrong member")
	}
	if !iface.HasProperty("Count") || iface.HasProperty("Nope") {
		t.Error("wrong HasProperty results")
	}

	if err := iface.AddMethod("More", "", "", "", 0); !errors.Is(err, ErrInterfaceActivated) {
		t.Errorf("adding to activated interface got err %v, want ErrInterfaceActivated", err)
	}
	if err := iface.AddProperty("More", "s", PropRead); !errors.Is(err, ErrInterfaceActivated) {
		t.Errorf("adding property to activated interface got err %v, want ErrInterfaceActivated", err)
	}
}

func TestInterfaceErrors(t *testing.T) {
	iface := NewInterface("org.example.Errors", false)
	if err := iface.AddMethod("M", "i", "", "", 0); err != nil {
		t.Fatal(err)
	}
	if err := iface.AddMethod("M", "s", "", "", 0); !errors.Is(err, ErrMemberAlreadyExists) {
		t.Errorf("duplicate member got err %v, want ErrMemberAlreadyExists", err)
	}
	if err := iface.AddMethod("Bad", "a", "", "", 0); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("bad signature got err %v, want ErrMalformedSignature", err)
	}
	if err := iface.AddMember(MessageSignal, "S", "s", "i", "", 0); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("signal with outputs got err %v, want ErrMalformedSignature", err)
	}
	if err := iface.AddMember(MessageError, "E", "", "", "", 0); err == nil {
		t.Error("adding an error member succeeded")
	}
	if err := iface.AddProperty("P", "s", PropRead); err != nil {
		t.Fatal(err)
	}
	if err := iface.AddProperty("P", "s", PropRead); !errors.Is(err, ErrPropertyAlreadyExists) {
		t.Errorf("duplicate property got err %v, want ErrPropertyAlreadyExists", err)
	}
	if err := iface.AddProperty("Q", "ss", PropRead); !errors.Is(err, ErrNotACompleteType) {
		t.Errorf("multi-type property got err %v, want ErrNotACompleteType", err)
	}
	if err := iface.AddProperty("R", "s", 0); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("property without access got err %v, want ErrInvalidArgs", err)
	}
}

func TestIntrospect(t *testing.T) {
	got := testInterface(t).Introspect(2)
	want := `  <interface name="org.example.Test">
    <annotation name="org.alljoyn.Bus.Secure" value="true"/>
    <method name="Cat">
      <arg name="a" type="s" direction="in"/>
      <arg name="b" type="s" direction="in"/>
      <arg name="out" type="s" direction="out"/>
    </method>
    <signal name="Changed">
      <arg name="name" type="s" direction="out"/>
      <arg name="value" type="v" direction="out"/>
    </signal>
    <method name="Fire">
      <arg type="i" direction="in"/>
      <annotation name="org.freedesktop.DBus.Deprecated" value="true"/>
      <annotation name="org.freedesktop.DBus.Method.NoReply" value="true"/>
    </method>
    <property name="Count" type="u" access="read"/>
    <property name="Name" type="s" access="readwrite"/>
  </interface>
`
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong introspection XML (-got+want):\n%s", diff)
	}
}

func TestParseIntrospection(t *testing.T) {
	iface := testInterface(t)
	doc := introspectNode([]*InterfaceDescription{iface}, []string{"child", "other"})

	desc, err := ParseIntrospection(doc)
	if err != nil {
		t.Fatalf("ParseIntrospection: %v\n%s", err, doc)
	}
	if diff := cmp.Diff(desc.Children, []string{"child", "other"}); diff != "" {
		t.Errorf("wrong children (-got+want):\n%s", diff)
	}
	got := desc.Interface("org.example.Test")
	if got == nil {
		t.Fatalf("parsed description has no org.example.Test:\n%s", doc)
	}
	if !got.IsActivated() {
		t.Error("parsed interface is not activated")
	}
	if !got.Equal(iface) {
		t.Errorf("parsed interface differs:\n%s\nwant:\n%s", got.Introspect(0), iface.Introspect(0))
	}
	m, _ := got.Member("Fire")
	if m.Annotation != MemberNoReply|MemberDeprecated {
		t.Errorf("Fire annotations = %d, want %d", m.Annotation, MemberNoReply|MemberDeprecated)
	}
	m, _ = got.Member("Cat")
	if diff := cmp.Diff(m.ArgNames, []string{"a", "b", "out"}); diff != "" {
		t.Errorf("wrong Cat arg names (-got+want):\n%s", diff)
	}

	if _, err := ParseIntrospection(`<node><interface name="x"><property name="p" type="s" access="sideways"/></interface></node>`); err == nil {
		t.Error("parsing unknown property access succeeded")
	}
	if _, err := ParseIntrospection(`<node`); err == nil {
		t.Error("parsing truncated XML succeeded")
	}
}
