package repositories

import "fmt"

// StoreErrorKind categorises failures raised by store implementations that are not backed by a
// remote database client.
type StoreErrorKind string

const (
	StoreErrorNotFound    StoreErrorKind = "not_found"
	StoreErrorConflict    StoreErrorKind = "conflict"
	StoreErrorUnavailable StoreErrorKind = "unavailable"
)

// StoreError implements RepositoryError.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// NewStoreError constructs a categorised store error.
func NewStoreError(op string, kind StoreErrorKind, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Kind == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Kind == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }
