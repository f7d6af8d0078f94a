// Package playback runs the per-deck playback backends and supervises
// their lifecycle. A backend takes a loaded video and publishes it as a
// live feed to the deck's ingest path. There is at most one running
// pipeline per deck at any time.
package playback

import (
	"errors"

	"github.com/dejastream/core/model"
)

// ErrNoVideoLoaded is returned by Play if no video has been loaded into
// the deck.
var ErrNoVideoLoaded = errors.New("no video loaded")

// A Backend plays the loaded video of one deck and publishes it as a live
// feed. Implementations have to emit DeckEvents for their lifecycle
// changes. The methods are serialized per deck by the supervisor,
// implementations don't need to be safe for concurrent use.
type Backend interface {
	// Connect establishes the connection to the backend. For a local
	// backend this is a no-op.
	Connect() error

	// LoadVideo prepares the video for playback without starting it.
	LoadVideo(video *model.Video) error

	// Play starts publishing the loaded video. It returns
	// ErrNoVideoLoaded if LoadVideo hasn't been called before. A
	// running pipeline is stopped first.
	Play() error

	// Stop stops publishing. Stopping a stopped backend is a no-op.
	Stop() error

	// SetVolume sets the audio gain of the feed. If the backend is
	// currently playing, the running pipeline is replaced by one with
	// the new gain.
	SetVolume(volume float64) error

	// IsConnected returns whether the backend is usable.
	IsConnected() bool

	// Close stops playback and releases the backend.
	Close()
}

// A Factory creates the backend for a deck. Which implementation is used
// depends on the configuration of the engine.
type Factory func(deck *model.Deck) (Backend, error)
