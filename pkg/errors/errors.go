// Package errors provides shared sentinel errors used throughout arc-mesh.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrNotConnected indicates a provider has no live link.
	ErrNotConnected = stderrors.New("not connected")

	// ErrBufferFull indicates a buffer is at capacity.
	ErrBufferFull = stderrors.New("buffer full")

	// ErrConfig marks errors raised while wiring a process together.
	// They are fatal and surface before any traffic is served.
	ErrConfig = stderrors.New("configuration error")
)
