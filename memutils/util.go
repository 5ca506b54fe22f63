package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the
// number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError when number is not a power
// of two. name identifies the offending value in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a
// power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must
// be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value is a multiple of alignment, which must be a
// power of two.
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}
