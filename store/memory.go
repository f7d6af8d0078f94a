package store

import (
	"sort"
	"sync"

	"github.com/dejastream/core/model"
)

// memory is a Store implementation that keeps all entities in maps. It is
// the backend of the JSON store and is used directly in tests.
type memory struct {
	djs        map[string]*model.DJ
	decks      map[string]*model.Deck
	videos     map[string]*model.Video
	broadcasts map[string]*model.Broadcast

	// onChange is called while holding the lock after every mutation.
	onChange func() error

	lock sync.RWMutex
}

// NewMemory returns a Store that holds all entities in memory.
func NewMemory() Store {
	return newMemory()
}

func newMemory() *memory {
	return &memory{
		djs:        map[string]*model.DJ{},
		decks:      map[string]*model.Deck{},
		videos:     map[string]*model.Video{},
		broadcasts: map[string]*model.Broadcast{},
	}
}

func (m *memory) changed() error {
	if m.onChange == nil {
		return nil
	}

	return m.onChange()
}

// assemble returns a copy of the DJ with its decks loaded.
func (m *memory) assemble(dj *model.DJ) *model.DJ {
	clone := dj.Clone()
	clone.Decks = nil

	for _, deck := range m.decks {
		if deck.DJID == dj.ID {
			clone.Decks = append(clone.Decks, deck.Clone())
		}
	}

	sort.Slice(clone.Decks, func(i, j int) bool {
		return clone.Decks[i].Type < clone.Decks[j].Type
	})

	return clone
}

func (m *memory) FindDJ(id string) (*model.DJ, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	dj, ok := m.djs[id]
	if !ok {
		return nil, ErrNotFound
	}

	return m.assemble(dj), nil
}

func (m *memory) ListDJs() ([]*model.DJ, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	list := make([]*model.DJ, 0, len(m.djs))
	for _, dj := range m.djs {
		list = append(list, m.assemble(dj))
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	return list, nil
}

func (m *memory) ListDJsByStatus(status model.DJStatus) ([]*model.DJ, error) {
	all, _ := m.ListDJs()

	list := []*model.DJ{}
	for _, dj := range all {
		if dj.Status == status {
			list = append(list, dj)
		}
	}

	return list, nil
}

func (m *memory) SaveDJ(dj *model.DJ) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	clone := dj.Clone()
	decks := clone.Decks
	clone.Decks = nil

	m.djs[clone.ID] = clone

	for _, deck := range decks {
		m.decks[deck.ID] = deck
	}

	return m.changed()
}

func (m *memory) DeleteDJ(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.djs[id]; !ok {
		return ErrNotFound
	}

	delete(m.djs, id)

	for deckID, deck := range m.decks {
		if deck.DJID == id {
			delete(m.decks, deckID)
		}
	}

	for broadcastID, broadcast := range m.broadcasts {
		if broadcast.DJID == id {
			delete(m.broadcasts, broadcastID)
		}
	}

	return m.changed()
}

func (m *memory) FindDeck(id string) (*model.Deck, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	deck, ok := m.decks[id]
	if !ok {
		return nil, ErrNotFound
	}

	return deck.Clone(), nil
}

func (m *memory) FindDeckByKey(key model.DeckKey) (*model.Deck, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, deck := range m.decks {
		if deck.Key() == key {
			return deck.Clone(), nil
		}
	}

	return nil, ErrNotFound
}

func (m *memory) SaveDeck(deck *model.Deck) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.decks[deck.ID] = deck.Clone()

	return m.changed()
}

func (m *memory) FindVideo(id string) (*model.Video, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	video, ok := m.videos[id]
	if !ok {
		return nil, ErrNotFound
	}

	return video.Clone(), nil
}

func (m *memory) ListVideos() ([]*model.Video, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	list := make([]*model.Video, 0, len(m.videos))
	for _, video := range m.videos {
		list = append(list, video.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	return list, nil
}

func (m *memory) SaveVideo(video *model.Video) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.videos[video.ID] = video.Clone()

	return m.changed()
}

func (m *memory) FindBroadcast(id string) (*model.Broadcast, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	broadcast, ok := m.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}

	return broadcast.Clone(), nil
}

func (m *memory) LiveBroadcastByDJ(djID string) (*model.Broadcast, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, broadcast := range m.broadcasts {
		if broadcast.DJID == djID && broadcast.Status == model.BroadcastLive {
			return broadcast.Clone(), nil
		}
	}

	return nil, ErrNotFound
}

func (m *memory) ListBroadcastsByDJ(djID string) ([]*model.Broadcast, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	list := []*model.Broadcast{}
	for _, broadcast := range m.broadcasts {
		if broadcast.DJID == djID {
			list = append(list, broadcast.Clone())
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Stats.StartTime.Before(list[j].Stats.StartTime)
	})

	return list, nil
}

func (m *memory) SaveBroadcast(broadcast *model.Broadcast) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.broadcasts[broadcast.ID] = broadcast.Clone()

	return m.changed()
}
