package keyhole

import (
	"reflect"
	"strings"
)

// primaryKeyPath is the reserved pseudo-field that indexes records by
// their primary key; it is maintained for every collection.
const primaryKeyPath = "#"

// extractField resolves a dotted field path against a record. The empty
// path selects the whole record. Struct records resolve each segment
// through fields (by name or msgpack tag) and zero-argument accessor
// methods before map lookup is attempted; map records resolve through
// keys. A missing segment yields nil, never an error.
func extractField(record any, path string) any {
	if path == "" {
		return record
	}
	cur := record
	for path != "" {
		var seg string
		seg, path, _ = splitByte(path, '.')
		cur = extractSegment(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func extractSegment(v any, name string) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if out, ok := callAccessor(rv, name); ok {
			return out
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		if out, ok := callAccessor(rv, name); ok {
			return out
		}
		if i, ok := structFieldIndex(rv.Type(), name); ok {
			return rv.Field(i).Interface()
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil
		}
		return mv.Interface()
	default:
		return nil
	}
}

// callAccessor invokes a computed accessor: an exported method with no
// arguments and a single result.
func callAccessor(rv reflect.Value, name string) (any, bool) {
	m := rv.MethodByName(name)
	if !m.IsValid() {
		return nil, false
	}
	mt := m.Type()
	if mt.NumIn() != 0 || mt.NumOut() != 1 {
		return nil, false
	}
	return m.Call(nil)[0].Interface(), true
}

// structFieldIndex finds a struct field by name or by its msgpack tag.
func structFieldIndex(rt reflect.Type, name string) (int, bool) {
	tagged := -1
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Name == name {
			return i, true
		}
		if tag, _, _ := strings.Cut(f.Tag.Get("msgpack"), ","); tag == name && tag != "" && tag != "-" {
			tagged = i
		}
	}
	if tagged >= 0 {
		return tagged, true
	}
	return 0, false
}

// shapeTypeOf normalizes a shape descriptor: nil disables validation,
// otherwise accept a reflect.Type or an example value (possibly a
// pointer). Map and interface shapes are dynamic and validate nothing.
func shapeTypeOf(shape any) reflect.Type {
	if shape == nil {
		return nil
	}
	t, ok := shape.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(shape)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// validateFieldPath checks the first segment of path against a shape
// type. Nested segments are resolved dynamically at extraction time and
// are not validated (the shape does not describe nested values).
func validateFieldPath(collection string, shape reflect.Type, path string) error {
	if path == "" || path == primaryKeyPath || shape == nil {
		return nil
	}
	first, _, _ := splitByte(path, '.')
	if _, ok := structFieldIndex(shape, first); ok {
		return nil
	}
	if methodIsAccessor(shape, first) || methodIsAccessor(reflect.PointerTo(shape), first) {
		return nil
	}
	return &FieldPathError{Collection: collection, Path: path, Segment: first, Shape: shape.String()}
}

func methodIsAccessor(t reflect.Type, name string) bool {
	m, ok := t.MethodByName(name)
	if !ok {
		return false
	}
	// NumIn includes the receiver for methods obtained from a type.
	return m.Type.NumIn() == 1 && m.Type.NumOut() == 1
}
