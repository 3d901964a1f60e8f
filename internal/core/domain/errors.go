package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrSnapshotNotFound  = errors.New("index snapshot not found")
	ErrIndexUnavailable  = errors.New("index unavailable")
	ErrIndexInconsistent = errors.New("index inconsistent")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
