package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionExpired     = errors.New("session expired or invalid")
	ErrOffline            = errors.New("no network connection")
	ErrNotFound           = errors.New("document not found")
	ErrEmptyName          = errors.New("name must not be empty")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
