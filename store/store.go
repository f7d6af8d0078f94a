// Package store provides the persistence contract for the engine's
// entities. The engine requires find-by-id with related rows and save
// semantics. No transactions spanning multiple entities are required.
package store

import (
	"errors"

	"github.com/dejastream/core/model"
)

// ErrNotFound is returned by all lookups that miss.
var ErrNotFound = errors.New("not found")

type Store interface {
	// FindDJ returns the DJ with its decks loaded.
	FindDJ(id string) (*model.DJ, error)
	ListDJs() ([]*model.DJ, error)
	ListDJsByStatus(status model.DJStatus) ([]*model.DJ, error)

	// SaveDJ stores the DJ and its decks.
	SaveDJ(dj *model.DJ) error

	// DeleteDJ removes the DJ together with its decks and broadcasts.
	DeleteDJ(id string) error

	FindDeck(id string) (*model.Deck, error)
	FindDeckByKey(key model.DeckKey) (*model.Deck, error)
	SaveDeck(deck *model.Deck) error

	FindVideo(id string) (*model.Video, error)
	ListVideos() ([]*model.Video, error)
	SaveVideo(video *model.Video) error

	FindBroadcast(id string) (*model.Broadcast, error)

	// LiveBroadcastByDJ returns the live broadcast of the DJ, or
	// ErrNotFound if the DJ has none.
	LiveBroadcastByDJ(djID string) (*model.Broadcast, error)
	ListBroadcastsByDJ(djID string) ([]*model.Broadcast, error)
	SaveBroadcast(broadcast *model.Broadcast) error
}
