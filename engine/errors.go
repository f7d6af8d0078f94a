package engine

import (
	"errors"

	"github.com/dejastream/core/mixer"
	"github.com/dejastream/core/playback"
)

// The error kinds the engine surfaces to its callers. Raw subprocess and
// protocol errors never leak, they are wrapped into one of these at the
// component boundary.
var (
	// Lookup misses. Surfaced, no retry.
	ErrDJNotFound        = errors.New("dj not found")
	ErrDeckNotFound      = errors.New("deck not found")
	ErrVideoNotFound     = errors.New("video not found")
	ErrBroadcastNotFound = errors.New("broadcast not found")

	// Validation failures. Surfaced, no retry.
	ErrInvalidDeckType           = errors.New("invalid deck type")
	ErrInvalidCrossfaderPosition = mixer.ErrInvalidCrossfaderPosition
	ErrMissingField              = errors.New("required field is missing")

	// Failed preconditions. Surfaced, the caller has to act first.
	ErrNoVideoLoaded = playback.ErrNoVideoLoaded
	ErrDecksNotReady = mixer.ErrDecksNotReady

	// Transient, retryable.
	ErrTransitionInProgress = mixer.ErrTransitionInProgress

	// A child playback or mixing process crashed or failed to start.
	ErrProcessFailure = errors.New("process failure")

	// The remote backend stays unreachable after the bounded retries.
	ErrConnectionFailure = errors.New("connection failure")
)
