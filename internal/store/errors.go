package store

import "errors"

var (
	// ErrUsageNotFound reports an increment against a record that does not exist.
	ErrUsageNotFound = errors.New("store: usage record not found")
	// ErrUsageExists reports a create racing with another request for the same scope.
	ErrUsageExists = errors.New("store: usage record already exists")
	// ErrFieldRequired rejects increments without a quota field.
	ErrFieldRequired = errors.New("store: increment requires a field")
)
