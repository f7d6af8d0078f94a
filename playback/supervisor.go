package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/store"
)

// ErrNoBackend is returned for operations on a deck that has no
// registered backend, i.e. whose DJ has not been registered.
var ErrNoBackend = errors.New("deck has no registered backend")

// Config is the configuration for a supervisor.
type Config struct {
	// The store the deck and DJ status transitions are persisted to.
	Store store.Store

	// Factory for the per-deck backends.
	Factory Factory

	// Logger. Optional.
	Logger log.Logger
}

// The Supervisor owns the playback backends of all registered DJs. It
// serializes all operations per deck, persists the resulting deck and DJ
// status transitions and guarantees at most one running pipeline per
// deck.
type Supervisor interface {
	// Register creates and connects the backends for both decks of the
	// DJ. Registering a registered DJ is a no-op.
	Register(dj *model.DJ) error

	// Unregister stops and removes the backends of the DJ.
	Unregister(djID string)

	// LoadVideo loads the video into the deck. The deck passes through
	// the loading state and ends up loaded.
	LoadVideo(key model.DeckKey, video *model.Video) error

	// Play starts playback on the deck. A running pipeline is replaced.
	// The deck becomes playing, the DJ becomes active.
	Play(key model.DeckKey) error

	// Stop stops playback on the deck. The deck becomes stopped, the DJ
	// becomes inactive if its other deck isn't playing either.
	Stop(key model.DeckKey) error

	// SetVolume sets the audio gain of the deck's feed.
	SetVolume(key model.DeckKey, volume float64) error

	// IsReady returns whether the deck has a usable backend.
	IsReady(key model.DeckKey) bool

	// PIDs returns the process ids of the DJ's running local
	// pipelines. Remote backends don't contribute.
	PIDs(djID string) []int32

	// Close stops and removes all backends.
	Close()
}

type unit struct {
	backend Backend
	lock    sync.Mutex
}

type supervisor struct {
	store   store.Store
	factory Factory
	logger  log.Logger

	decks map[model.DeckKey]*unit
	lock  sync.RWMutex
}

// New creates a new supervisor without any registered DJs.
func New(config Config) (Supervisor, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("no store given")
	}

	if config.Factory == nil {
		return nil, fmt.Errorf("no backend factory given")
	}

	s := &supervisor{
		store:   config.Store,
		factory: config.Factory,
		logger:  config.Logger,
	}

	if s.logger == nil {
		s.logger = log.New("")
	}

	s.logger = s.logger.WithComponent("Supervisor")

	s.decks = make(map[model.DeckKey]*unit)

	return s, nil
}

func (s *supervisor) Register(dj *model.DJ) error {
	for _, deck := range dj.Decks {
		key := deck.Key()

		s.lock.Lock()
		if _, ok := s.decks[key]; ok {
			s.lock.Unlock()
			continue
		}

		backend, err := s.factory(deck)
		if err != nil {
			s.lock.Unlock()
			return fmt.Errorf("failed to create backend for deck %s: %w", key, err)
		}

		s.decks[key] = &unit{backend: backend}
		s.lock.Unlock()

		if err := backend.Connect(); err != nil {
			s.lock.Lock()
			delete(s.decks, key)
			s.lock.Unlock()

			backend.Close()

			return fmt.Errorf("failed to connect backend for deck %s: %w", key, err)
		}

		s.logger.Info().WithField("deck", key.String()).Log("Backend registered")
	}

	return nil
}

func (s *supervisor) Unregister(djID string) {
	for _, t := range []model.DeckType{model.DeckA, model.DeckB} {
		key := model.DeckKey{DJID: djID, Type: t}

		s.lock.Lock()
		u, ok := s.decks[key]
		delete(s.decks, key)
		s.lock.Unlock()

		if !ok {
			continue
		}

		u.lock.Lock()
		u.backend.Close()
		u.lock.Unlock()

		s.logger.Info().WithField("deck", key.String()).Log("Backend unregistered")
	}
}

func (s *supervisor) Close() {
	s.lock.Lock()
	decks := s.decks
	s.decks = make(map[model.DeckKey]*unit)
	s.lock.Unlock()

	for _, u := range decks {
		u.lock.Lock()
		u.backend.Close()
		u.lock.Unlock()
	}
}

func (s *supervisor) unit(key model.DeckKey) (*unit, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	u, ok := s.decks[key]
	if !ok {
		return nil, ErrNoBackend
	}

	return u, nil
}

func (s *supervisor) IsReady(key model.DeckKey) bool {
	u, err := s.unit(key)
	if err != nil {
		return false
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	return u.backend.IsConnected()
}

func (s *supervisor) PIDs(djID string) []int32 {
	pids := []int32{}

	for _, t := range []model.DeckType{model.DeckA, model.DeckB} {
		u, err := s.unit(model.DeckKey{DJID: djID, Type: t})
		if err != nil {
			continue
		}

		u.lock.Lock()
		if b, ok := u.backend.(interface{ PID() int32 }); ok {
			if pid := b.PID(); pid > 0 {
				pids = append(pids, pid)
			}
		}
		u.lock.Unlock()
	}

	return pids
}

func (s *supervisor) LoadVideo(key model.DeckKey, video *model.Video) error {
	u, err := s.unit(key)
	if err != nil {
		return err
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	deck, err := s.store.FindDeckByKey(key)
	if err != nil {
		return err
	}

	deck.Status = model.DeckLoading
	if err := s.store.SaveDeck(deck); err != nil {
		return err
	}

	if err := u.backend.LoadVideo(video); err != nil {
		deck.Status = model.DeckStopped
		s.store.SaveDeck(deck)

		return fmt.Errorf("failed to load video: %w", err)
	}

	deck.Status = model.DeckLoaded
	deck.VideoID = video.ID

	return s.store.SaveDeck(deck)
}

func (s *supervisor) Play(key model.DeckKey) error {
	u, err := s.unit(key)
	if err != nil {
		return err
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	deck, err := s.store.FindDeckByKey(key)
	if err != nil {
		return err
	}

	if err := u.backend.Play(); err != nil {
		return err
	}

	deck.Status = model.DeckPlaying
	if err := s.store.SaveDeck(deck); err != nil {
		return err
	}

	// A playing deck makes its DJ active.
	dj, err := s.store.FindDJ(key.DJID)
	if err != nil {
		return err
	}

	if dj.Status != model.DJActive {
		dj.Status = model.DJActive
		return s.store.SaveDJ(dj)
	}

	return nil
}

func (s *supervisor) Stop(key model.DeckKey) error {
	u, err := s.unit(key)
	if err != nil {
		return err
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	deck, err := s.store.FindDeckByKey(key)
	if err != nil {
		return err
	}

	if err := u.backend.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback: %w", err)
	}

	deck.Status = model.DeckStopped
	if err := s.store.SaveDeck(deck); err != nil {
		return err
	}

	// The DJ goes inactive only if the other deck isn't playing either.
	dj, err := s.store.FindDJ(key.DJID)
	if err != nil {
		return err
	}

	for _, d := range dj.Decks {
		if d.Status == model.DeckPlaying {
			return nil
		}
	}

	if dj.Status != model.DJInactive {
		dj.Status = model.DJInactive
		return s.store.SaveDJ(dj)
	}

	return nil
}

func (s *supervisor) SetVolume(key model.DeckKey, volume float64) error {
	u, err := s.unit(key)
	if err != nil {
		return err
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	return u.backend.SetVolume(volume)
}
