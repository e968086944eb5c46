package rebase

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
)

// errUpToDate marks conflicts that only say the change needs no rebase.
var errUpToDate = errors.New("rebase: already up to date")

func newServiceError(operation, reason string, cause error) error {
	return changes.NewError(nil, operation, reason, "", cause)
}

func conflictf(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrConflict, operation, reason, fmt.Sprintf(format, args...), nil)
}

func upToDatef(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrConflict, operation, reason, fmt.Sprintf(format, args...), errUpToDate)
}

func badRequestf(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrBadRequest, operation, reason, fmt.Sprintf(format, args...), nil)
}

func authf(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrAuth, operation, reason, fmt.Sprintf(format, args...), nil)
}

func unprocessablef(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrUnprocessable, operation, reason, fmt.Sprintf(format, args...), nil)
}

func notFoundf(operation, reason, format string, args ...any) error {
	return changes.NewError(changes.ErrNotFound, operation, reason, fmt.Sprintf(format, args...), nil)
}

// IsUpToDate reports whether err only says that nothing had to be rebased.
func IsUpToDate(err error) bool {
	return errors.Is(err, errUpToDate)
}
