package services

import (
	"errors"
	"fmt"

	"github.com/cuecraft/api/internal/repositories"
)

// Categories shared by every service. Service specific sentinels wrap one of these so handlers can
// translate errors with a single errors.Is switch.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
)

// FieldError reports the first input field that failed validation.
type FieldError struct {
	Sentinel error
	Field    string
	Reason   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Sentinel, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return e.Sentinel }

func invalidField(sentinel error, field, reason string) error {
	return &FieldError{Sentinel: sentinel, Field: field, Reason: reason}
}

// repositoryErrorMapping lets each service translate store categories into its own sentinels.
type repositoryErrorMapping struct {
	notFound error
	conflict error
	scope    string
}

func (m repositoryErrorMapping) mapError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", m.notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", m.conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%s: repository unavailable: %w", m.scope, errors.Join(ErrUnavailable, err))
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
