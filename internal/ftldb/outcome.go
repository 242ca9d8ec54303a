package ftldb

// Outcome is the result of probing an optional source: either a value or the
// reason the source could not provide one.
type Outcome[T any] struct {
	value  T
	reason error
	ok     bool
}

func Available[T any](value T) Outcome[T] {
	return Outcome[T]{value: value, ok: true}
}

func Unavailable[T any](reason error) Outcome[T] {
	return Outcome[T]{reason: reason}
}

// Get returns the value and whether it is available.
func (o Outcome[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Reason is nil for available outcomes.
func (o Outcome[T]) Reason() error {
	if o.ok {
		return nil
	}
	return o.reason
}

// Or returns the value when available and fallback otherwise.
func (o Outcome[T]) Or(fallback T) T {
	if o.ok {
		return o.value
	}
	return fallback
}
