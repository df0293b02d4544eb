package device

import (
	"errors"
	"fmt"
)

// ErrPrecondition marks caller or configuration bugs: wrong tensor counts,
// shape mismatches, non-divisible batch chunking, allocation ceilings. These
// are never retried.
var ErrPrecondition = errors.New("precondition violated")

// Preconditionf returns an error wrapping ErrPrecondition.
func Preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// ShapeError reports a tensor whose declared shape does not match what an
// operation expects.
type ShapeError struct {
	Op   string
	Name string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: tensor %q shape mismatch: expected %v, got %v", e.Op, e.Name, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error {
	return ErrPrecondition
}

// CheckShape returns a *ShapeError when t's shape differs from want.
func CheckShape(op, name string, t Tensor, want ...int) error {
	if len(t.Shape) != len(want) {
		return &ShapeError{Op: op, Name: name, Want: want, Got: t.Shape}
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return &ShapeError{Op: op, Name: name, Want: want, Got: t.Shape}
		}
	}
	return nil
}
