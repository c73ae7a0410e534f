package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntry rejects an entry whose payload fails validation. It is a
	// client error: retrying the same entry cannot succeed.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrOutOfOrder matches any *OrderingError.
	ErrOutOfOrder = errors.New("entry out of order")
)

// OrderingError rejects an entry that does not directly follow the last
// applied sequence. The entry is discarded, not buffered.
type OrderingError struct {
	Expected uint64
	Got      uint64
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("out of order: expected sequence %d, got %d", e.Expected, e.Got)
}

func (e *OrderingError) Is(target error) bool {
	return target == ErrOutOfOrder
}

func NewOrderingError(expected, got uint64) *OrderingError {
	return &OrderingError{
		Expected: expected,
		Got:      got,
	}
}

func IsOrderingError(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

func AsOrderingError(err error) *OrderingError {
	var oe *OrderingError
	if errors.As(err, &oe) {
		return oe
	}
	return nil
}
