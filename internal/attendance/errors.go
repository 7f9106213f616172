package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no record carries the token.
	ErrNotFound = errors.New("attendance: no record for token")
	// ErrDuplicateKey means a register number or token is already enrolled.
	ErrDuplicateKey = errors.New("attendance: duplicate key")
	// ErrStoreUnavailable wraps connectivity and I/O failures of the record store.
	ErrStoreUnavailable = errors.New("attendance: record store unavailable")
	// ErrConflict means concurrent writers kept changing the record.
	ErrConflict = errors.New("attendance: concurrent update conflict")
)

// DuplicateKeyError names the unique field that collided.
type DuplicateKeyError struct {
	Field string
}

func (e *DuplicateKeyError) Error() string {
	if e.Field == "" {
		return ErrDuplicateKey.Error()
	}
	return fmt.Sprintf("%s: %s already enrolled", ErrDuplicateKey, e.Field)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
