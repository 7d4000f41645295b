package authkit

import "errors"

var (
	// ErrUnauthorized is the umbrella error for any login, refresh, or guard failure.
	ErrUnauthorized = errors.New("auth.unauthorized")
	// ErrMissingCredential indicates the login request carried neither a code nor a bearer token.
	ErrMissingCredential = errors.New("auth.missing_credential")
	// ErrUnknownClientType indicates no redirect URI is configured for the client surface.
	ErrUnknownClientType = errors.New("auth.unknown_client_type")

	// ErrSessionNotFound indicates no live session matched the refresh token.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrEmptySessionKey indicates that the provided refresh token text is empty.
	ErrEmptySessionKey = errors.New("session_store.empty_key")
)
