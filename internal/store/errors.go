package store

import "errors"

var (
	// ErrNotFound: the target row no longer exists (usually lost a race with
	// a delete).
	ErrNotFound = errors.New("not found")
	// ErrForbidden: edit/delete attempted by a non-sender.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation: malformed or empty payload; not retried.
	ErrValidation = errors.New("invalid payload")
)

// IsTransient reports whether the error is outside the taxonomy, i.e. a
// network/store availability problem the caller may retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrValidation)
}
