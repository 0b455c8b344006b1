package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTabMissing occurs when a request carries no tab id.
	ErrTabMissing = errors.New("tab id missing")
	// ErrTabInvalid occurs when a tab id fails signature verification.
	ErrTabInvalid = errors.New("tab id invalid")
)
