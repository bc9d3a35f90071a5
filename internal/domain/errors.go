package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrTimeout              = errors.New("timeout")
)

// BundleConflictError reports a bundle claim that lost the race on a subset
// of its members. No member was transitioned; the caller may retry the
// still-available ones individually.
type BundleConflictError struct {
	Unavailable []uuid.UUID
}

func (e *BundleConflictError) Error() string {
	return fmt.Sprintf("bundle conflict: %d member(s) no longer pending", len(e.Unavailable))
}

func (e *BundleConflictError) Is(target error) bool {
	return target == ErrConflict
}
