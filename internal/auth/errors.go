package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")

	// ErrInvalidToken covers every token failure: bad signature, malformed
	// payload, wrong type, expired. Callers must not distinguish between
	// them in responses.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)
