// Package common defines shared constants, sentinel errors and credential
// validation used across client and server layers of Tether. Callers should
// use errors.Is to match the sentinel values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrValidation marks credential input that fails the length/charset
	// bounds. Input rejected this way produces no network traffic.
	ErrValidation = errors.New("validation error")

	// ErrEncoding marks a codec failure while sealing plaintext credentials.
	// Fatal to the current attempt only; stored session state is untouched.
	ErrEncoding = errors.New("encoding error")

	// ErrDisconnected is returned once the channel is torn down. No further
	// sends are possible until the process reconnects from scratch.
	ErrDisconnected = errors.New("disconnected")

	// ErrSubmissionPending is returned while a credential message is
	// outstanding and no terminal signal has arrived yet.
	ErrSubmissionPending = errors.New("credential submission pending")

	// Auth token errors.
	ErrInvalidToken = errors.New("invalid token")
)
