package keyhole

import (
	"errors"
	"reflect"
	"testing"
)

type testProfile struct {
	Bio  string         `msgpack:"bio"`
	Tags map[string]any `msgpack:"tags"`
}

type testUser struct {
	Name    string       `msgpack:"name"`
	Age     int          `msgpack:"age"`
	Email   *string      `msgpack:"email"`
	Profile *testProfile `msgpack:"profile"`
	hidden  string
}

func (u *testUser) DisplayName() string { return "~" + u.Name }

func TestExtractField(t *testing.T) {
	email := "a@b.c"
	user := &testUser{
		Name:    "alice",
		Age:     30,
		Email:   &email,
		Profile: &testProfile{Bio: "hi", Tags: map[string]any{"lang": "go"}},
		hidden:  "x",
	}
	record := map[string]any{
		"name": "bob",
		"meta": map[string]any{"category": "tech", "score": 7},
	}

	tests := []struct {
		record   any
		path     string
		expected any
	}{
		{user, "Name", "alice"},
		{user, "name", "alice"}, // msgpack tag fallback
		{user, "Age", 30},
		{user, "Email", "a@b.c"},
		{user, "Profile.Bio", "hi"},
		{user, "profile.bio", "hi"},
		{user, "Profile.Tags.lang", "go"},
		{user, "DisplayName", "~alice"}, // accessor method
		{user, "Missing", nil},
		{user, "Profile.Missing", nil},
		{user, "hidden", nil}, // unexported
		{record, "name", "bob"},
		{record, "meta.category", "tech"},
		{record, "meta.score", 7},
		{record, "meta.missing.deeper", nil},
		{record, "", record}, // empty path selects the whole record
		{nil, "anything", nil},
	}
	for _, test := range tests {
		got := extractField(test.record, test.path)
		if test.path == "Email" {
			// Pointer fields surface as pointers; the key encoder
			// dereferences them later.
			if p, ok := got.(*string); !ok || *p != "a@b.c" {
				t.Errorf("** extractField(%q) = %#v, wanted *string(a@b.c)", test.path, got)
			}
			continue
		}
		if !reflect.DeepEqual(got, test.expected) {
			t.Errorf("** extractField(%q) = %#v, wanted %#v", test.path, got, test.expected)
		}
	}
}

func TestExtractFieldNilPointer(t *testing.T) {
	user := &testUser{Name: "noprofile"}
	if got := extractField(user, "Profile.Bio"); got != nil {
		t.Errorf("** got %#v, wanted nil", got)
	}
	if got := extractField(user, "Email"); got != (*string)(nil) && got != nil {
		t.Errorf("** got %#v, wanted nil pointer", got)
	}
}

func TestShapeTypeOf(t *testing.T) {
	want := reflect.TypeOf(testUser{})
	tests := []struct {
		shape    any
		expected reflect.Type
	}{
		{nil, nil},
		{testUser{}, want},
		{&testUser{}, want},
		{(*testUser)(nil), want},
		{reflect.TypeOf(testUser{}), want},
		{map[string]any{}, nil}, // dynamic shapes validate nothing
		{"string", nil},
	}
	for _, test := range tests {
		if got := shapeTypeOf(test.shape); got != test.expected {
			t.Errorf("** shapeTypeOf(%T) = %v, wanted %v", test.shape, got, test.expected)
		}
	}
}

func TestValidateFieldPath(t *testing.T) {
	shape := reflect.TypeOf(testUser{})
	valid := []string{"", "#", "Name", "name", "Age", "Profile.anything.Nested", "DisplayName"}
	for _, path := range valid {
		if err := validateFieldPath("users", shape, path); err != nil {
			t.Errorf("** path %q: unexpected error %v", path, err)
		}
	}
	err := validateFieldPath("users", shape, "nosuch.field")
	var fpe *FieldPathError
	if !errors.As(err, &fpe) {
		t.Fatalf("** wanted FieldPathError, got %v", err)
	}
	if fpe.Collection != "users" || fpe.Segment != "nosuch" {
		t.Errorf("** wrong error detail: %v", fpe)
	}
	if err := validateFieldPath("users", nil, "anything"); err != nil {
		t.Errorf("** nil shape must not validate, got %v", err)
	}
}
