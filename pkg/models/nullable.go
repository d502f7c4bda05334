package models

// Nullable is a patch field for a nullable column. The zero value leaves the column untouched;
// Set with a nil Value clears it.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// SetTo returns a patch field that writes v.
func SetTo[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

// SetPtr returns a patch field that writes p, clearing the column when p is nil.
func SetPtr[T any](p *T) Nullable[T] {
	return Nullable[T]{Set: true, Value: p}
}

// Clear returns a patch field that nulls the column.
func Clear[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value p points to, or the zero value when p is nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T

		return zero
	}

	return *p
}
