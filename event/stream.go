package event

import (
	"time"

	"github.com/dejastream/core/model"
)

type StreamEventType string

const (
	StreamStart StreamEventType = "start"
	StreamEnd   StreamEventType = "end"
)

// StreamEvent is emitted by the ingest gateway whenever a deck feed starts
// or stops publishing.
type StreamEvent struct {
	Type      StreamEventType
	Deck      model.DeckKey
	Path      string
	Timestamp time.Time
}

func (e *StreamEvent) Clone() Event {
	clone := *e

	return &clone
}

func NewStreamEvent(t StreamEventType, key model.DeckKey, path string) *StreamEvent {
	return &StreamEvent{
		Type:      t,
		Deck:      key,
		Path:      path,
		Timestamp: time.Now(),
	}
}

type DeckEventType string

const (
	DeckConnected       DeckEventType = "connected"
	DeckDisconnected    DeckEventType = "disconnected"
	DeckVideoLoaded     DeckEventType = "videoLoaded"
	DeckPlaybackStarted DeckEventType = "playbackStarted"
	DeckPlaybackStopped DeckEventType = "playbackStopped"
	DeckMediaEnded      DeckEventType = "mediaEnded"
	DeckError           DeckEventType = "error"
)

// DeckEvent is emitted by a playback backend. Error carries the failure for
// the error and mediaEnded types.
type DeckEvent struct {
	Type      DeckEventType
	Deck      model.DeckKey
	VideoID   string
	Error     error
	Timestamp time.Time
}

func (e *DeckEvent) Clone() Event {
	clone := *e

	return &clone
}

func NewDeckEvent(t DeckEventType, key model.DeckKey) *DeckEvent {
	return &DeckEvent{
		Type:      t,
		Deck:      key,
		Timestamp: time.Now(),
	}
}

type MixerEventType string

const (
	MixerStarted MixerEventType = "started"
	MixerStopped MixerEventType = "stopped"
	MixerEnded   MixerEventType = "ended"
	MixerError   MixerEventType = "error"
)

// MixerEvent is emitted by the broadcast mixer for pipeline lifecycle
// changes. Ended means the pipeline exited unexpectedly while live.
type MixerEvent struct {
	Type        MixerEventType
	DJID        string
	BroadcastID string
	Error       error
	Timestamp   time.Time
}

func (e *MixerEvent) Clone() Event {
	clone := *e

	return &clone
}

func NewMixerEvent(t MixerEventType, djID, broadcastID string) *MixerEvent {
	return &MixerEvent{
		Type:        t,
		DJID:        djID,
		BroadcastID: broadcastID,
		Timestamp:   time.Now(),
	}
}
