package bridge

import "errors"

var (
	// ErrEmptyStream is returned when a stream export is requested over
	// zero arrays: with no element there is no schema to serve.
	ErrEmptyStream = errors.New("bridge: cannot export an empty stream")

	// ErrStreamConsumed is returned by Push and Pop once a proxy's
	// contents have been claimed by an export.
	ErrStreamConsumed = errors.New("bridge: stream proxy already consumed")

	// ErrAlreadyConsumed is returned by a second ExportToCapsule on the
	// same proxy.
	ErrAlreadyConsumed = errors.New("bridge: stream proxy already exported")

	// ErrInvalidStream is returned when a stream import is given a
	// capsule that does not resolve to a live stream.
	ErrInvalidStream = errors.New("bridge: capsule does not resolve to a live stream")

	// ErrInvalidHandle is returned when an import is given a capsule
	// whose descriptor has already been claimed or released.
	ErrInvalidHandle = errors.New("bridge: capsule does not resolve to a live descriptor")
)
