package modhub

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
)

// DataObject is a positional, type-erased parameter bundle. It is the payload
// format for events and the argument/result format between modules that do
// not share compile-time types.
//
// A DataObject is built by appending values and then handed off. Once it is
// attached to an Event it is frozen: further Append or Swap calls panic.
// Reads are safe for concurrent use after the object is frozen.
type DataObject struct {
	values []any
	frozen atomic.Bool
}

// NewDataObject creates a DataObject holding the given values in order.
func NewDataObject(values ...any) *DataObject {
	d := &DataObject{values: make([]any, 0, len(values))}
	d.values = append(d.values, values...)
	return d
}

// TransferParams packs arguments into a new DataObject.
// It is the usual way for a producer to build an event payload:
//
//	ev := modhub.NewEvent("key.imported", modhub.TransferParams(fpr, count))
func TransferParams(values ...any) *DataObject {
	return NewDataObject(values...)
}

// Append adds a value at the next position.
func (d *DataObject) Append(value any) *DataObject {
	d.mustBeMutable("Append")
	d.values = append(d.values, value)
	return d
}

// Get returns the value at index.
func (d *DataObject) Get(index int) (any, error) {
	if d == nil {
		return nil, ErrNullPayload
	}
	if index < 0 || index >= len(d.values) {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrOutOfRange, index, len(d.values))
	}
	return d.values[index], nil
}

// Size returns the number of values.
func (d *DataObject) Size() int {
	if d == nil {
		return 0
	}
	return len(d.values)
}

// Values returns a copy of the stored values.
func (d *DataObject) Values() []any {
	if d == nil {
		return nil
	}
	out := make([]any, len(d.values))
	copy(out, d.values)
	return out
}

// Types returns the runtime type of each stored value. A nil value reports a
// nil reflect.Type.
func (d *DataObject) Types() []reflect.Type {
	if d == nil {
		return nil
	}
	types := make([]reflect.Type, len(d.values))
	for i, v := range d.values {
		types[i] = reflect.TypeOf(v)
	}
	return types
}

// Swap exchanges the contents of d and other in constant time.
func (d *DataObject) Swap(other *DataObject) {
	d.mustBeMutable("Swap")
	other.mustBeMutable("Swap")
	d.values, other.values = other.values, d.values
}

// Frozen reports whether the object has been handed off and is read-only.
func (d *DataObject) Frozen() bool {
	return d != nil && d.frozen.Load()
}

func (d *DataObject) freeze() {
	d.frozen.Store(true)
}

func (d *DataObject) mustBeMutable(op string) {
	if d == nil {
		panic("modhub: " + op + " on nil DataObject")
	}
	if d.frozen.Load() {
		panic("modhub: " + op + " on frozen DataObject")
	}
}

// ShapeMismatchError describes the first disagreement found by a shape check.
type ShapeMismatchError struct {
	// Index is the disagreeing position, or -1 when the lengths differ.
	Index    int
	Expected reflect.Type
	Actual   reflect.Type
	// Want and Got are the expected and actual element counts.
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("data object has %d values, expected %d", e.Got, e.Want)
	}
	return fmt.Sprintf("value of index %d in data object is type %s, not expected type %s",
		e.Index, typeName(e.Actual), typeName(e.Expected))
}

// Unwrap lets callers match shape failures with errors.Is(err, ErrMalformedPayload).
func (e *ShapeMismatchError) Unwrap() error {
	return ErrMalformedPayload
}

// ShapeError checks the bundle against the expected positional types and
// returns a *ShapeMismatchError for the first disagreement, or nil.
// Types are compared exactly; a nil stored value never matches.
func (d *DataObject) ShapeError(types ...reflect.Type) error {
	if d == nil {
		return ErrNullPayload
	}
	if len(types) != len(d.values) {
		return &ShapeMismatchError{Index: -1, Want: len(types), Got: len(d.values)}
	}
	for i, want := range types {
		got := reflect.TypeOf(d.values[i])
		if got == nil || got != want {
			return &ShapeMismatchError{
				Index:    i,
				Expected: want,
				Actual:   got,
				Want:     len(types),
				Got:      len(d.values),
			}
		}
	}
	return nil
}

// CheckShape reports whether the bundle holds exactly len(types) values whose
// runtime types match positionally. A mismatch is logged through the default
// slog logger and reported as false.
func (d *DataObject) CheckShape(types ...reflect.Type) bool {
	return d.CheckShapeWith(defaultLogger(), types...)
}

// CheckShapeWith is CheckShape logging through the given logger.
func (d *DataObject) CheckShapeWith(logger Logger, types ...reflect.Type) bool {
	err := d.ShapeError(types...)
	if err == nil {
		return true
	}
	if logger == nil {
		logger = slog.Default()
	}
	var mismatch *ShapeMismatchError
	if errors.As(err, &mismatch) && mismatch.Index >= 0 {
		logger.Warn("Data object shape mismatch",
			"index", mismatch.Index,
			"actual", typeName(mismatch.Actual),
			"expected", typeName(mismatch.Expected))
	} else {
		logger.Warn("Data object shape mismatch", "error", err)
	}
	return false
}

// String renders the bundle as (type=value, ...) for diagnostics.
func (d *DataObject) String() string {
	if d == nil {
		return "<nil>"
	}
	parts := make([]string, len(d.values))
	for i, v := range d.values {
		parts[i] = fmt.Sprintf("%s=%v", typeName(reflect.TypeOf(v)), v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Extract returns the value at index converted to T.
// It fails with ErrNullPayload for a nil handle, ErrOutOfRange for a bad
// index and ErrTypeMismatch when the stored value is not a T.
func Extract[T any](d *DataObject, index int) (T, error) {
	var zero T
	if d == nil {
		return zero, ErrNullPayload
	}
	v, err := d.Get(index)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: index %d holds %s, requested %s",
			ErrTypeMismatch, index, typeName(reflect.TypeOf(v)), typeName(reflect.TypeFor[T]()))
	}
	return typed, nil
}

// Shape is a shorthand for building expected type lists:
//
//	if !ev.Payload().CheckShape(modhub.Shape[string](), modhub.Shape[int]()) { ... }
func Shape[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}
