package authstate

import "errors"

var (
	// ErrNoCreds is returned when creds.json is missing or empty.
	ErrNoCreds = errors.New("authstate: no credentials")

	// ErrInvalidCreds is returned when a credential document is not a JSON object.
	ErrInvalidCreds = errors.New("authstate: invalid credentials document")

	// ErrInvalidKey is returned for empty or path-unsafe key categories/ids.
	ErrInvalidKey = errors.New("authstate: invalid key")
)
