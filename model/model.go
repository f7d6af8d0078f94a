// Package model holds the persisted entities of the engine. The entities
// are the source of truth for configuration and history. Any transient
// state (running processes, active network paths) lives in the components
// and has to be rebuildable from these entities plus gateway feedback.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DJStatus string

const (
	DJActive   DJStatus = "active"
	DJInactive DJStatus = "inactive"
)

type DeckType string

const (
	DeckA DeckType = "A"
	DeckB DeckType = "B"
)

// ParseDeckType validates a deck type taken from the outside, e.g. from a
// publish path.
func ParseDeckType(t string) (DeckType, error) {
	switch DeckType(t) {
	case DeckA:
		return DeckA, nil
	case DeckB:
		return DeckB, nil
	}

	return "", fmt.Errorf("invalid deck type: %s", t)
}

type DeckStatus string

const (
	DeckStopped DeckStatus = "stopped"
	DeckLoading DeckStatus = "loading"
	DeckLoaded  DeckStatus = "loaded"
	DeckPlaying DeckStatus = "playing"
)

type BroadcastStatus string

const (
	BroadcastLive    BroadcastStatus = "live"
	BroadcastOffline BroadcastStatus = "offline"
)

type VideoSource string

const (
	SourceLocal   VideoSource = "local"
	SourceYoutube VideoSource = "youtube"
)

// DeckKey identifies a deck by its DJ and its type. All maps that track
// per-deck state are indexed by this key.
type DeckKey struct {
	DJID string
	Type DeckType
}

func (k DeckKey) String() string {
	return k.DJID + "/" + string(k.Type)
}

// ResourceUsage is the aggregated consumption of all processes belonging
// to a DJ.
type ResourceUsage struct {
	CPU       float64 `json:"cpu"`       // percent
	Memory    uint64  `json:"memory"`    // bytes
	Bandwidth float64 `json:"bandwidth"` // bit/s
}

type DJ struct {
	ID            string        `json:"id"`
	Username      string        `json:"username"`
	Email         string        `json:"email"`
	Status        DJStatus      `json:"status"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	Decks         []*Deck       `json:"decks"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewDJ returns a DJ in active state together with its two decks. The
// control ports have to be assigned by the caller.
func NewDJ(username, email string) *DJ {
	now := time.Now()

	dj := &DJ{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Status:    DJActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	dj.Decks = []*Deck{
		NewDeck(dj.ID, DeckA),
		NewDeck(dj.ID, DeckB),
	}

	return dj
}

// Deck returns the deck of the given type, or nil.
func (d *DJ) Deck(t DeckType) *Deck {
	for _, deck := range d.Decks {
		if deck.Type == t {
			return deck
		}
	}

	return nil
}

func (d *DJ) Clone() *DJ {
	clone := *d

	clone.Decks = make([]*Deck, 0, len(d.Decks))
	for _, deck := range d.Decks {
		clone.Decks = append(clone.Decks, deck.Clone())
	}

	return &clone
}

type Deck struct {
	ID           string     `json:"id"`
	DJID         string     `json:"dj_id"`
	Type         DeckType   `json:"type"`
	Status       DeckStatus `json:"status"`
	VideoID      string     `json:"video_id,omitempty"`
	StreamHealth float64    `json:"stream_health"`
	ControlPort  int        `json:"control_port"`
}

func NewDeck(djID string, t DeckType) *Deck {
	return &Deck{
		ID:           uuid.NewString(),
		DJID:         djID,
		Type:         t,
		Status:       DeckStopped,
		StreamHealth: 100,
	}
}

func (d *Deck) Key() DeckKey {
	return DeckKey{
		DJID: d.DJID,
		Type: d.Type,
	}
}

func (d *Deck) Clone() *Deck {
	clone := *d

	return &clone
}

type Video struct {
	ID        string      `json:"id"`
	Filename  string      `json:"filename"`
	Path      string      `json:"path"`
	Duration  float64     `json:"duration"` // seconds
	Source    VideoSource `json:"source"`
	SourceURL string      `json:"source_url,omitempty"`
	SourceID  string      `json:"source_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func NewVideo(filename, path string, duration float64) *Video {
	return &Video{
		ID:        uuid.NewString(),
		Filename:  filename,
		Path:      path,
		Duration:  duration,
		Source:    SourceLocal,
		CreatedAt: time.Now(),
	}
}

func (v *Video) Clone() *Video {
	clone := *v

	return &clone
}

// BroadcastStats are the live statistics of a broadcast.
type BroadcastStats struct {
	Viewers   int       `json:"viewers"`
	StartTime time.Time `json:"start_time"`
	Bitrate   float64   `json:"bitrate"` // bit/s
}

type Broadcast struct {
	ID                 string          `json:"id"`
	DJID               string          `json:"dj_id"`
	ChannelID          string          `json:"channel_id"`
	Status             BroadcastStatus `json:"status"`
	CrossfaderPosition float64         `json:"crossfader_position"`
	ActiveDeck         DeckType        `json:"active_deck"`
	Stats              BroadcastStats  `json:"stats"`
}

func NewBroadcast(djID, channelID string) *Broadcast {
	return &Broadcast{
		ID:                 uuid.NewString(),
		DJID:               djID,
		ChannelID:          channelID,
		Status:             BroadcastOffline,
		CrossfaderPosition: 0.5,
		ActiveDeck:         DeckA,
	}
}

func (b *Broadcast) Clone() *Broadcast {
	clone := *b

	return &clone
}
