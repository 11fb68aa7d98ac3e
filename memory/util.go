package memory

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// PageSize is the minimum granularity of physical and virtual allocations.
const PageSize uint64 = 0x1000

func AlignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown(value, alignment uint64) uint64 {
	return value &^ (alignment - 1)
}

func CheckPow2(number uint64, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(status.ErrInvalidArg, "%s is %d, must be a power of two", name, number)
	}
	return nil
}
