package entity

import "errors"

var (
	// ErrDisposed indicates the entity no longer accepts work.
	ErrDisposed = errors.New("entity disposed")

	// ErrUnknownTransaction indicates no live transaction has the given id.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrNoTransport indicates no binding is available for a remote entity.
	ErrNoTransport = errors.New("no transport for remote entity")

	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedMode indicates acknowledged mode was requested for a
	// remote entity that does not support it.
	ErrUnsupportedMode = errors.New("transmission mode not supported by remote entity")
)
