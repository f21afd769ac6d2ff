package keyhole

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection is returned when an operation references a
	// collection that has not been registered in this process.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned when a query references a field path
	// that is not registered on the collection. Queries never register
	// indexes implicitly.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrShapeMismatch is returned when a stored record cannot be
	// decoded into the requested target shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrKeyCorrupt is returned when a composite index key cannot be
	// decoded back into its components.
	ErrKeyCorrupt = errors.New("corrupt index key")
)

// FieldPathError reports a field path that failed validation against a
// collection's shape at registration time.
type FieldPathError struct {
	Collection string
	Path       string
	Segment    string
	Shape      string
}

func (e *FieldPathError) Error() string {
	return fmt.Sprintf("%s: invalid field path %q: %q is not a field or accessor of %s", e.Collection, e.Path, e.Segment, e.Shape)
}

func keyCorruptf(key []byte, format string, args ...any) error {
	return fmt.Errorf("%w %x: %s", ErrKeyCorrupt, key, fmt.Sprintf(format, args...))
}
