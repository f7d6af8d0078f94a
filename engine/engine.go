// Package engine provides the orchestration facade of the system. It owns
// the store, the playback supervisor, the mixer and the port allocator,
// translates component errors into the engine's error kinds and keeps the
// persisted entity state in sync with the live process and network state.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/ffmpeg"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/mixer"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/net"
	"github.com/dejastream/core/playback"
	"github.com/dejastream/core/psutil"
	"github.com/dejastream/core/rtmp"
	"github.com/dejastream/core/store"
)

// Config is the configuration for an engine.
type Config struct {
	Store      store.Store
	Supervisor playback.Supervisor
	Mixer      mixer.Mixer
	Gateway    rtmp.Server
	Ports      net.Portranger
	FFmpeg     ffmpeg.FFmpeg
	Psutil     psutil.Util

	// The bus all components publish their events to. The engine
	// subscribes to it for reconciliation.
	Events *event.PubSub

	// Logger. Optional.
	Logger log.Logger
}

// DeckStatus is the live view on a deck.
type DeckStatus struct {
	Deck *model.Deck

	// Whether the deck's playback backend is connected.
	Ready bool

	// Whether the deck's feed is publishing to the ingest gateway.
	StreamActive bool
}

// The Engine is the synchronous operation surface of the system.
type Engine interface {
	// Start reconciles the persisted state with the (empty) process
	// state and starts the event loop.
	Start() error

	// Close stops the event loop and all running pipelines.
	Close()

	CreateDJ(username, email string) (*model.DJ, error)
	GetDJ(id string) (*model.DJ, error)
	ListDJs() ([]*model.DJ, error)
	DeleteDJ(id string) error
	UpdateDJStatus(id string, status model.DJStatus) (*model.DJ, error)

	AddVideo(path string) (*model.Video, error)
	AddImportedVideo(path, sourceURL, sourceID string) (*model.Video, error)
	GetVideo(id string) (*model.Video, error)
	ListVideos() ([]*model.Video, error)

	LoadDeck(key model.DeckKey, videoID string) error
	PlayDeck(key model.DeckKey) error
	StopDeck(key model.DeckKey) error
	SetDeckVolume(key model.DeckKey, volume float64) error
	GetDeckStatus(key model.DeckKey) (DeckStatus, error)

	StartBroadcast(djID string) (*model.Broadcast, error)
	StopBroadcast(broadcastID string) error
	SetCrossfader(broadcastID string, position float64) (*model.Broadcast, error)
	SetActiveDeck(broadcastID string, deck model.DeckType) (*model.Broadcast, error)
	GetBroadcastStatus(broadcastID string) (mixer.Status, error)

	// AuthorizeDeck implements the publish authorization of the ingest
	// gateway: only known decks may publish.
	AuthorizeDeck(key model.DeckKey) error
}

type engine struct {
	store      store.Store
	supervisor playback.Supervisor
	mixer      mixer.Mixer
	gateway    rtmp.Server
	ports      net.Portranger
	ffmpeg     ffmpeg.FFmpeg
	psutil     psutil.Util
	events     *event.PubSub
	logger     log.Logger

	unsubscribe event.CancelFunc
}

// New creates a new engine from the already constructed components.
func New(config Config) (Engine, error) {
	e := &engine{
		store:      config.Store,
		supervisor: config.Supervisor,
		mixer:      config.Mixer,
		gateway:    config.Gateway,
		ports:      config.Ports,
		ffmpeg:     config.FFmpeg,
		psutil:     config.Psutil,
		events:     config.Events,
		logger:     config.Logger,
	}

	if e.store == nil {
		return nil, fmt.Errorf("no store given")
	}

	if e.supervisor == nil {
		return nil, fmt.Errorf("no supervisor given")
	}

	if e.mixer == nil {
		return nil, fmt.Errorf("no mixer given")
	}

	if e.ports == nil {
		return nil, fmt.Errorf("no port allocator given")
	}

	if e.logger == nil {
		e.logger = log.New("")
	}

	e.logger = e.logger.WithComponent("Engine")

	return e, nil
}

func (e *engine) Start() error {
	e.reconcile()

	if e.events != nil {
		ch, unsubscribe := e.events.Subscribe()
		e.unsubscribe = unsubscribe

		go e.eventLoop(ch)
	}

	return nil
}

func (e *engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}

	e.mixer.Close()
	e.supervisor.Close()
}

func (e *engine) CreateDJ(username, email string) (*model.DJ, error) {
	if len(username) == 0 || len(email) == 0 {
		return nil, fmt.Errorf("%w: username and email are required", ErrMissingField)
	}

	djs, err := e.store.ListDJs()
	if err != nil {
		return nil, err
	}

	for _, dj := range djs {
		if dj.Username == username {
			return nil, fmt.Errorf("username %s is already taken", username)
		}

		if dj.Email == email {
			return nil, fmt.Errorf("email %s is already taken", email)
		}
	}

	dj := model.NewDJ(username, email)

	ports := []int{}

	for _, deck := range dj.Decks {
		port, err := e.ports.Get()
		if err != nil {
			for _, p := range ports {
				e.ports.Put(p)
			}

			return nil, fmt.Errorf("failed to allocate control port: %w", err)
		}

		deck.ControlPort = port
		ports = append(ports, port)
	}

	if err := e.store.SaveDJ(dj); err != nil {
		for _, p := range ports {
			e.ports.Put(p)
		}

		return nil, err
	}

	if err := e.supervisor.Register(dj); err != nil {
		// The DJ exists, deck operations will fail until the
		// backends come up.
		e.logger.WithError(err).Warn().WithField("dj", dj.ID).Log("Failed to register backends")
	}

	e.logger.Info().WithFields(log.Fields{
		"dj":       dj.ID,
		"username": dj.Username,
	}).Log("DJ created")

	return dj, nil
}

func (e *engine) GetDJ(id string) (*model.DJ, error) {
	dj, err := e.findDJ(id)
	if err != nil {
		return nil, err
	}

	e.sampleUsage(dj)

	return dj, nil
}

// sampleUsage fills the DJ's resource usage from the currently running
// child processes and the outgoing bitrate.
func (e *engine) sampleUsage(dj *model.DJ) {
	pids := e.supervisor.PIDs(dj.ID)
	pids = append(pids, e.mixer.PIDs(dj.ID)...)

	if e.psutil != nil {
		usage := e.psutil.Aggregate(pids)
		dj.ResourceUsage.CPU = usage.CPU
		dj.ResourceUsage.Memory = usage.Memory
	}

	if broadcast, err := e.store.LiveBroadcastByDJ(dj.ID); err == nil {
		if status, err := e.mixer.Status(broadcast.ID); err == nil {
			dj.ResourceUsage.Bandwidth = status.Bitrate
		}
	}
}

func (e *engine) ListDJs() ([]*model.DJ, error) {
	return e.store.ListDJs()
}

func (e *engine) DeleteDJ(id string) error {
	dj, err := e.findDJ(id)
	if err != nil {
		return err
	}

	e.teardown(dj, true)

	e.supervisor.Unregister(dj.ID)

	if err := e.store.DeleteDJ(dj.ID); err != nil {
		return err
	}

	e.logger.Info().WithField("dj", dj.ID).Log("DJ deleted")

	return nil
}

func (e *engine) UpdateDJStatus(id string, status model.DJStatus) (*model.DJ, error) {
	dj, err := e.findDJ(id)
	if err != nil {
		return nil, err
	}

	if dj.Status == status {
		return dj, nil
	}

	if status == model.DJActive {
		if err := e.supervisor.Register(dj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		}
	} else {
		// Deactivation tears the streams down. The control ports
		// stay allocated.
		e.teardown(dj, false)
		e.supervisor.Unregister(dj.ID)
	}

	dj.Status = status

	if err := e.store.SaveDJ(dj); err != nil {
		return nil, err
	}

	e.logger.Info().WithFields(log.Fields{
		"dj":     dj.ID,
		"status": dj.Status,
	}).Log("DJ status updated")

	return dj, nil
}

// teardown stops everything belonging to a DJ: first the decks, then the
// broadcast, then the ports, then the gateway bookkeeping. A failing
// sub-step is logged and doesn't block the remaining steps.
func (e *engine) teardown(dj *model.DJ, releasePorts bool) {
	logger := e.logger.WithField("dj", dj.ID)

	for _, deck := range dj.Decks {
		if err := e.supervisor.Stop(deck.Key()); err != nil && !errors.Is(err, playback.ErrNoBackend) {
			logger.WithError(err).Warn().WithField("deck", deck.Key().String()).Log("Failed to stop deck")
		}
	}

	if err := e.mixer.StopByDJ(dj.ID); err != nil {
		logger.WithError(err).Warn().Log("Failed to stop broadcast")
	}

	if releasePorts {
		for _, deck := range dj.Decks {
			e.ports.Put(deck.ControlPort)
		}
	}

	if e.gateway != nil {
		e.gateway.Cleanup(dj.ID)
	}
}

func (e *engine) AddVideo(path string) (*model.Video, error) {
	return e.addVideo(path, model.SourceLocal, "", "")
}

func (e *engine) AddImportedVideo(path, sourceURL, sourceID string) (*model.Video, error) {
	return e.addVideo(path, model.SourceYoutube, sourceURL, sourceID)
}

func (e *engine) addVideo(path string, source model.VideoSource, sourceURL, sourceID string) (*model.Video, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: path is required", ErrMissingField)
	}

	duration := 0.0

	if e.ffmpeg != nil {
		d, err := e.ffmpeg.ProbeDuration(path)
		if err != nil {
			return nil, fmt.Errorf("unusable video file: %w", err)
		}

		duration = d
	}

	video := model.NewVideo(filepath.Base(path), path, duration)
	video.Source = source
	video.SourceURL = sourceURL
	video.SourceID = sourceID

	if err := e.store.SaveVideo(video); err != nil {
		return nil, err
	}

	e.logger.Info().WithFields(log.Fields{
		"video":    video.ID,
		"filename": video.Filename,
	}).Log("Video added")

	return video, nil
}

func (e *engine) GetVideo(id string) (*model.Video, error) {
	video, err := e.store.FindVideo(id)
	if err != nil {
		return nil, e.notFound(err, ErrVideoNotFound)
	}

	return video, nil
}

func (e *engine) ListVideos() ([]*model.Video, error) {
	return e.store.ListVideos()
}

func (e *engine) LoadDeck(key model.DeckKey, videoID string) error {
	video, err := e.store.FindVideo(videoID)
	if err != nil {
		return e.notFound(err, ErrVideoNotFound)
	}

	return e.deckError(e.supervisor.LoadVideo(key, video))
}

func (e *engine) PlayDeck(key model.DeckKey) error {
	return e.deckError(e.supervisor.Play(key))
}

func (e *engine) StopDeck(key model.DeckKey) error {
	return e.deckError(e.supervisor.Stop(key))
}

func (e *engine) SetDeckVolume(key model.DeckKey, volume float64) error {
	return e.deckError(e.supervisor.SetVolume(key, volume))
}

func (e *engine) GetDeckStatus(key model.DeckKey) (DeckStatus, error) {
	deck, err := e.store.FindDeckByKey(key)
	if err != nil {
		return DeckStatus{}, e.notFound(err, ErrDeckNotFound)
	}

	status := DeckStatus{
		Deck:  deck,
		Ready: e.supervisor.IsReady(key),
	}

	if e.gateway != nil {
		status.StreamActive = e.gateway.IsStreamActive(key)
	}

	return status, nil
}

func (e *engine) StartBroadcast(djID string) (*model.Broadcast, error) {
	broadcast, err := e.mixer.Start(djID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrDJNotFound
		case errors.Is(err, ErrDecksNotReady):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrProcessFailure, err)
		}
	}

	return broadcast, nil
}

func (e *engine) StopBroadcast(broadcastID string) error {
	if err := e.mixer.Stop(broadcastID); err != nil {
		return e.notFound(err, ErrBroadcastNotFound)
	}

	return nil
}

func (e *engine) SetCrossfader(broadcastID string, position float64) (*model.Broadcast, error) {
	broadcast, err := e.mixer.SetCrossfader(broadcastID, position)
	if err != nil {
		return nil, e.broadcastError(err)
	}

	return broadcast, nil
}

func (e *engine) SetActiveDeck(broadcastID string, deck model.DeckType) (*model.Broadcast, error) {
	if _, err := model.ParseDeckType(string(deck)); err != nil {
		return nil, ErrInvalidDeckType
	}

	broadcast, err := e.mixer.SetActiveDeck(broadcastID, deck)
	if err != nil {
		return nil, e.broadcastError(err)
	}

	return broadcast, nil
}

func (e *engine) GetBroadcastStatus(broadcastID string) (mixer.Status, error) {
	status, err := e.mixer.Status(broadcastID)
	if err != nil {
		return mixer.Status{}, e.notFound(err, ErrBroadcastNotFound)
	}

	return status, nil
}

func (e *engine) AuthorizeDeck(key model.DeckKey) error {
	if _, err := e.store.FindDeckByKey(key); err != nil {
		return e.notFound(err, ErrDeckNotFound)
	}

	return nil
}

func (e *engine) findDJ(id string) (*model.DJ, error) {
	dj, err := e.store.FindDJ(id)
	if err != nil {
		return nil, e.notFound(err, ErrDJNotFound)
	}

	return dj, nil
}

// notFound translates a store lookup miss into the engine's error kind
// for the entity.
func (e *engine) notFound(err, kind error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kind
	}

	return err
}

// deckError translates a supervisor error into the engine's error kinds.
func (e *engine) deckError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, playback.ErrNoBackend):
		return fmt.Errorf("%w: no backend registered for this deck", ErrDecksNotReady)
	case errors.Is(err, store.ErrNotFound):
		return ErrDeckNotFound
	case errors.Is(err, ErrNoVideoLoaded):
		return err
	}

	return fmt.Errorf("%w: %v", ErrProcessFailure, err)
}

// broadcastError translates a mixer error into the engine's error kinds.
func (e *engine) broadcastError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrBroadcastNotFound
	case errors.Is(err, ErrInvalidCrossfaderPosition):
		return err
	case errors.Is(err, ErrTransitionInProgress):
		return err
	}

	return fmt.Errorf("%w: %v", ErrProcessFailure, err)
}
