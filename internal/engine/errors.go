package engine

import (
	"errors"
	"fmt"
	"strings"

	"tracklane/internal/repo"
)

// The engine surfaces four error categories. NotFound reuses the repo
// sentinel; the rest are typed here so transports can map them without
// string matching. No category triggers compensating writes.

// ErrNotFound reports an absent entity.
var ErrNotFound = repo.ErrNotFound

// ValidationError reports malformed or missing input. It short-circuits
// before any store write.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an invariant violation: duplicate active plan,
// already-promoted item, lost uniqueness race.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenFieldsError reports a provenance violation: a direct edit of
// fields owned by the external source of truth. It carries the complete
// forbidden set so the caller can report them together.
type ForbiddenFieldsError struct {
	EntityType string
	EntityID   string
	Fields     []string
}

func (e ForbiddenFieldsError) Error() string {
	return fmt.Sprintf("synced %s %s: fields not editable: %s", e.EntityType, e.EntityID, strings.Join(e.Fields, ", "))
}

// IsConflict reports whether err belongs to the conflict category,
// including store-detected uniqueness violations.
func IsConflict(err error) bool {
	var ce ConflictError
	var fe ForbiddenFieldsError
	return errors.As(err, &ce) || errors.As(err, &fe) || errors.Is(err, repo.ErrConflict)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// storeConflict rewrites a repo uniqueness violation into the same
// ConflictError the advisory pre-check would have produced; any other
// store error passes through untouched.
func storeConflict(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrConflict) {
		return conflictf(format, args...)
	}
	return err
}
