package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid input")

	// ErrCancelled marks a render interrupted by a newer navigation or
	// scale change. It is benign and must never surface to the user.
	ErrCancelled = errors.New("render cancelled")

	// ErrRenderStale marks a render whose result arrived after a newer
	// request took over the render slot.
	ErrRenderStale = errors.New("render result stale")

	ErrDocumentClosed = errors.New("document closed")
)
