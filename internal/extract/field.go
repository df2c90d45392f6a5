package extract

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

// errAbsent marks a field the page simply does not carry.
var errAbsent = errors.New("field absent")

type fieldErrors struct {
	errs []*lookup.FieldError
}

func (f *fieldErrors) add(name string, err error) {
	f.errs = append(f.errs, &lookup.FieldError{Field: name, Err: err})
}

// field runs fn in isolation. errAbsent yields the zero value silently; any
// other error or a panic yields the zero value and a FieldError.
func field[T any](collected *fieldErrors, name string, fn func() (T, error)) (value T) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			collected.add(name, fmt.Errorf("panic: %v", r))
		}
	}()
	v, err := fn()
	if err != nil {
		var zero T
		if !errors.Is(err, errAbsent) {
			collected.add(name, err)
		}
		return zero
	}
	return v
}
