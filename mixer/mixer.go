// Package mixer runs the per-DJ mixing pipelines. A pipeline reads both
// deck feeds from the ingest gateway, combines them according to the
// crossfader state and publishes the outgoing broadcast feed. Parameter
// changes rebuild the pipeline, rebuilds are serialized per broadcast.
package mixer

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/ffmpeg"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/process"
	"github.com/dejastream/core/store"

	"github.com/lithammer/shortuuid/v4"
	"github.com/prep/average"
)

var (
	// ErrDecksNotReady is returned by Start if not both decks have a
	// connected backend and an active ingest feed.
	ErrDecksNotReady = errors.New("both decks have to be ready and streaming")

	// ErrInvalidCrossfaderPosition is returned for positions outside
	// of [0,1].
	ErrInvalidCrossfaderPosition = errors.New("crossfader position has to be in [0,1]")

	// ErrTransitionInProgress is returned if a rebuild of the same
	// broadcast is already running. The request can be retried.
	ErrTransitionInProgress = errors.New("a transition for this broadcast is in progress")
)

const bitrateWindow = 10 * time.Second

// Status is the live view on a broadcast.
type Status struct {
	ID                 string
	DJID               string
	Status             model.BroadcastStatus
	CrossfaderPosition float64
	ActiveDeck         model.DeckType
	Uptime             time.Duration
	Address            string
	Viewers            int
	Bitrate            float64 // bit/s
}

// Config is the configuration for a mixer.
type Config struct {
	// The store the broadcast rows are persisted to.
	Store store.Store

	// The ffmpeg binary wrapper used to spawn the pipelines.
	FFmpeg ffmpeg.FFmpeg

	// The RTMP address of the ingest gateway including the app, e.g.
	// "rtmp://localhost:1935/live". Deck feeds are read from and the
	// broadcast feed is published to this address.
	IngestAddress string

	// The mixing mode. Optional, defaults to ModeBlend.
	Mode Mode

	// Wait this long after the terminate signal before force-killing
	// a pipeline. Optional.
	KillTimeout time.Duration

	// IsDeckReady reports whether the deck's playback backend is
	// connected.
	IsDeckReady func(key model.DeckKey) bool

	// IsStreamActive reports whether the deck's feed is publishing to
	// the ingest gateway.
	IsStreamActive func(key model.DeckKey) bool

	// Viewers reports the number of subscribers on a gateway path.
	// Optional.
	Viewers func(path string) int

	// Events receives the MixerEvents. Optional.
	Events *event.PubSub

	// Logger. Optional.
	Logger log.Logger
}

// The Mixer controls the mixing pipelines of all broadcasts.
type Mixer interface {
	// Start brings a new broadcast live for the DJ. Any prior live
	// broadcast of the DJ is forced offline first.
	Start(djID string) (*model.Broadcast, error)

	// Stop terminates the pipeline and marks the broadcast offline.
	// Stopping an offline broadcast is a no-op.
	Stop(broadcastID string) error

	// SetCrossfader moves the crossfader and rebuilds the pipeline.
	SetCrossfader(broadcastID string, position float64) (*model.Broadcast, error)

	// SetActiveDeck switches the active deck and rebuilds the
	// pipeline.
	SetActiveDeck(broadcastID string, deck model.DeckType) (*model.Broadcast, error)

	// Status returns the live view on the broadcast.
	Status(broadcastID string) (Status, error)

	// StopByDJ stops the live broadcast of the DJ, if any.
	StopByDJ(djID string) error

	// PIDs returns the process ids of the DJ's running pipelines.
	PIDs(djID string) []int32

	// Close stops all pipelines without touching the broadcast rows.
	Close()
}

// pipe is one running mixing pipeline. The rebuild lock serializes
// parameter changes, gen invalidates the exit callback of a superseded
// process.
type pipe struct {
	broadcastID string
	djID        string
	path        string

	proc process.Process
	gen  int

	window   *average.SlidingWindow
	lastSize int64
	sizeLock sync.Mutex

	rebuild sync.Mutex
}

type mixer struct {
	store          store.Store
	ffmpeg         ffmpeg.FFmpeg
	ingestAddress  string
	app            string
	mode           Mode
	killTimeout    time.Duration
	isDeckReady    func(key model.DeckKey) bool
	isStreamActive func(key model.DeckKey) bool
	viewers        func(path string) int
	events         *event.PubSub
	logger         log.Logger

	pipes map[string]*pipe
	lock  sync.Mutex
}

// New creates a new mixer without any running pipelines.
func New(config Config) (Mixer, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("no store given")
	}

	if config.FFmpeg == nil {
		return nil, fmt.Errorf("no ffmpeg wrapper given")
	}

	if len(config.IngestAddress) == 0 {
		return nil, fmt.Errorf("no ingest address given")
	}

	u, err := url.Parse(config.IngestAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid ingest address: %w", err)
	}

	m := &mixer{
		store:          config.Store,
		app:            u.Path,
		ffmpeg:         config.FFmpeg,
		ingestAddress:  config.IngestAddress,
		mode:           config.Mode,
		killTimeout:    config.KillTimeout,
		isDeckReady:    config.IsDeckReady,
		isStreamActive: config.IsStreamActive,
		viewers:        config.Viewers,
		events:         config.Events,
		logger:         config.Logger,
	}

	if len(m.mode) == 0 {
		m.mode = ModeBlend
	}

	if m.logger == nil {
		m.logger = log.New("")
	}

	m.logger = m.logger.WithComponent("Mixer")

	m.pipes = make(map[string]*pipe)

	return m, nil
}

func (m *mixer) deckAddress(key model.DeckKey) string {
	return m.ingestAddress + "/" + key.DJID + "/" + string(key.Type)
}

func (m *mixer) broadcastAddress(djID, channelID string) string {
	return m.ingestAddress + "/" + djID + "/broadcast/" + channelID
}

func (m *mixer) Start(djID string) (*model.Broadcast, error) {
	dj, err := m.store.FindDJ(djID)
	if err != nil {
		return nil, err
	}

	for _, t := range []model.DeckType{model.DeckA, model.DeckB} {
		key := model.DeckKey{DJID: dj.ID, Type: t}

		if m.isDeckReady != nil && !m.isDeckReady(key) {
			return nil, fmt.Errorf("%w: deck %s backend is not ready", ErrDecksNotReady, t)
		}

		if m.isStreamActive != nil && !m.isStreamActive(key) {
			return nil, fmt.Errorf("%w: deck %s feed is not active", ErrDecksNotReady, t)
		}
	}

	// At most one live broadcast per DJ. A prior one is forced offline
	// before the new one goes live.
	prior, err := m.store.LiveBroadcastByDJ(dj.ID)
	if err == nil {
		if err := m.Stop(prior.ID); err != nil {
			return nil, fmt.Errorf("failed to stop prior broadcast: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	broadcast := model.NewBroadcast(dj.ID, shortuuid.New())
	broadcast.Status = model.BroadcastLive
	broadcast.Stats.StartTime = time.Now()

	if err := m.store.SaveBroadcast(broadcast); err != nil {
		return nil, err
	}

	p := &pipe{
		broadcastID: broadcast.ID,
		djID:        broadcast.DJID,
		path:        m.app + "/" + broadcast.DJID + "/broadcast/" + broadcast.ChannelID,
		window:      average.MustNew(bitrateWindow, time.Second),
	}

	m.lock.Lock()
	m.pipes[broadcast.ID] = p
	m.lock.Unlock()

	if err := m.spawn(p, broadcast); err != nil {
		m.lock.Lock()
		delete(m.pipes, broadcast.ID)
		m.lock.Unlock()

		p.window.Stop()

		broadcast.Status = model.BroadcastOffline
		m.store.SaveBroadcast(broadcast)

		return nil, fmt.Errorf("failed to start mixing pipeline: %w", err)
	}

	m.logger.Info().WithFields(log.Fields{
		"dj":        broadcast.DJID,
		"broadcast": broadcast.ID,
	}).Log("Broadcast started")

	m.emit(event.MixerStarted, broadcast.DJID, broadcast.ID, nil)

	return broadcast, nil
}

// spawn starts a fresh pipeline process for the broadcast parameters and
// installs it in the pipe, superseding the exit callback of any previous
// process. The caller holds the rebuild lock or is the only one knowing
// the pipe.
func (m *mixer) spawn(p *pipe, broadcast *model.Broadcast) error {
	spec := pipelineSpec{
		inputA:   m.deckAddress(model.DeckKey{DJID: broadcast.DJID, Type: model.DeckA}),
		inputB:   m.deckAddress(model.DeckKey{DJID: broadcast.DJID, Type: model.DeckB}),
		output:   m.broadcastAddress(broadcast.DJID, broadcast.ChannelID),
		position: broadcast.CrossfaderPosition,
		active:   broadcast.ActiveDeck,
		mode:     m.mode,
	}

	m.lock.Lock()
	p.gen++
	gen := p.gen
	m.lock.Unlock()

	proc, err := m.ffmpeg.New(ffmpeg.ProcessConfig{
		Command:     spec.command(),
		KillTimeout: m.killTimeout,
		OnLine: func(line string) {
			m.progress(p, line)
		},
		OnExit: func(state string) {
			m.onExit(p, gen, state)
		},
		Logger: m.logger.WithField("broadcast", broadcast.ID),
	})
	if err != nil {
		return err
	}

	m.lock.Lock()
	p.proc = proc
	m.lock.Unlock()

	return proc.Start()
}

// halt detaches and stops the running process of the pipe so that its
// exit is not treated as unexpected.
func (m *mixer) halt(p *pipe) {
	m.lock.Lock()
	p.gen++
	proc := p.proc
	p.proc = nil
	m.lock.Unlock()

	if proc != nil {
		proc.Stop(true)
	}
}

// onExit handles a pipeline exit. Exits of superseded processes are
// ignored, everything else means the broadcast died and is reconciled to
// offline.
func (m *mixer) onExit(p *pipe, gen int, state string) {
	m.lock.Lock()
	if p.gen != gen {
		m.lock.Unlock()
		return
	}

	p.proc = nil
	delete(m.pipes, p.broadcastID)
	m.lock.Unlock()

	p.window.Stop()

	broadcast, err := m.store.FindBroadcast(p.broadcastID)
	if err == nil && broadcast.Status == model.BroadcastLive {
		broadcast.Status = model.BroadcastOffline
		m.store.SaveBroadcast(broadcast)
	}

	if state == "finished" {
		m.logger.Info().WithField("broadcast", p.broadcastID).Log("Pipeline ended")
		m.emit(event.MixerEnded, p.djID, p.broadcastID, nil)

		return
	}

	err = fmt.Errorf("mixing pipeline exited with state %s", state)
	m.logger.WithError(err).Error().WithField("broadcast", p.broadcastID).Log("Pipeline failed")
	m.emit(event.MixerError, p.djID, p.broadcastID, err)
}

var sizeExp = regexp.MustCompile(`size=\s*([0-9]+)kB`)

// progress feeds the bitrate window from the pipeline's stderr stats
// lines. ffmpeg reports the cumulative output size, the delta per line is
// the produced amount.
func (m *mixer) progress(p *pipe, line string) {
	matches := sizeExp.FindStringSubmatch(line)
	if matches == nil {
		return
	}

	size, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return
	}

	p.sizeLock.Lock()
	defer p.sizeLock.Unlock()

	if size >= p.lastSize {
		p.window.Add((size - p.lastSize) * 1024 * 8)
	}

	p.lastSize = size
}

func (m *mixer) Stop(broadcastID string) error {
	m.lock.Lock()
	p := m.pipes[broadcastID]
	m.lock.Unlock()

	if p != nil {
		// Serialize against a rebuild of the same broadcast. Without
		// this a rebuild that is tearing its old process down would
		// respawn the pipeline after the stop and re-save the row as
		// live.
		p.rebuild.Lock()

		m.lock.Lock()
		current := m.pipes[broadcastID] == p
		delete(m.pipes, broadcastID)
		m.lock.Unlock()

		if current {
			m.halt(p)
			p.window.Stop()
		}

		p.rebuild.Unlock()
	}

	// Read the row only after a pending rebuild has finished so its
	// parameter change is not clobbered.
	broadcast, err := m.store.FindBroadcast(broadcastID)
	if err != nil {
		return err
	}

	if broadcast.Status != model.BroadcastOffline {
		broadcast.Status = model.BroadcastOffline
		if err := m.store.SaveBroadcast(broadcast); err != nil {
			return err
		}
	}

	m.logger.Info().WithField("broadcast", broadcastID).Log("Broadcast stopped")

	m.emit(event.MixerStopped, broadcast.DJID, broadcast.ID, nil)

	return nil
}

func (m *mixer) StopByDJ(djID string) error {
	broadcast, err := m.store.LiveBroadcastByDJ(djID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	return m.Stop(broadcast.ID)
}

func (m *mixer) SetCrossfader(broadcastID string, position float64) (*model.Broadcast, error) {
	if !ValidPosition(position) {
		return nil, ErrInvalidCrossfaderPosition
	}

	return m.transition(broadcastID, func(broadcast *model.Broadcast) {
		broadcast.CrossfaderPosition = position
	})
}

func (m *mixer) SetActiveDeck(broadcastID string, deck model.DeckType) (*model.Broadcast, error) {
	return m.transition(broadcastID, func(broadcast *model.Broadcast) {
		broadcast.ActiveDeck = deck
	})
}

// transition applies the change to the broadcast row and rebuilds the
// pipeline with the new parameters. Rebuilds of the same broadcast are
// serialized, a concurrent one fails fast. The broadcast keeps its live
// status and its start time across the rebuild.
func (m *mixer) transition(broadcastID string, change func(broadcast *model.Broadcast)) (*model.Broadcast, error) {
	broadcast, err := m.store.FindBroadcast(broadcastID)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	p := m.pipes[broadcastID]
	m.lock.Unlock()

	if p == nil {
		// No pipeline to rebuild, only the row changes.
		change(broadcast)

		if err := m.store.SaveBroadcast(broadcast); err != nil {
			return nil, err
		}

		return broadcast, nil
	}

	if !p.rebuild.TryLock() {
		return nil, ErrTransitionInProgress
	}
	defer p.rebuild.Unlock()

	m.lock.Lock()
	current := m.pipes[broadcastID] == p
	m.lock.Unlock()

	if !current {
		// The broadcast was stopped between the lookup and the lock.
		// It stays down, only the row changes.
		broadcast, err = m.store.FindBroadcast(broadcastID)
		if err != nil {
			return nil, err
		}

		change(broadcast)

		if err := m.store.SaveBroadcast(broadcast); err != nil {
			return nil, err
		}

		return broadcast, nil
	}

	change(broadcast)

	m.halt(p)

	if err := m.spawn(p, broadcast); err != nil {
		m.lock.Lock()
		delete(m.pipes, broadcastID)
		m.lock.Unlock()

		p.window.Stop()

		broadcast.Status = model.BroadcastOffline
		m.store.SaveBroadcast(broadcast)

		m.emit(event.MixerError, broadcast.DJID, broadcast.ID, err)

		return nil, fmt.Errorf("failed to rebuild mixing pipeline: %w", err)
	}

	if err := m.store.SaveBroadcast(broadcast); err != nil {
		return nil, err
	}

	m.logger.Info().WithFields(log.Fields{
		"broadcast": broadcast.ID,
		"position":  broadcast.CrossfaderPosition,
		"active":    broadcast.ActiveDeck,
	}).Log("Pipeline rebuilt")

	return broadcast, nil
}

func (m *mixer) Status(broadcastID string) (Status, error) {
	broadcast, err := m.store.FindBroadcast(broadcastID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		ID:                 broadcast.ID,
		DJID:               broadcast.DJID,
		Status:             broadcast.Status,
		CrossfaderPosition: broadcast.CrossfaderPosition,
		ActiveDeck:         broadcast.ActiveDeck,
		Address:            m.broadcastAddress(broadcast.DJID, broadcast.ChannelID),
	}

	if broadcast.Status == model.BroadcastLive {
		status.Uptime = time.Since(broadcast.Stats.StartTime)
	}

	m.lock.Lock()
	p := m.pipes[broadcastID]
	m.lock.Unlock()

	if p != nil {
		status.Bitrate = p.window.Average(bitrateWindow)

		if m.viewers != nil {
			status.Viewers = m.viewers(p.path)
		}
	}

	return status, nil
}

func (m *mixer) PIDs(djID string) []int32 {
	pids := []int32{}

	m.lock.Lock()
	defer m.lock.Unlock()

	for _, p := range m.pipes {
		if p.djID != djID || p.proc == nil {
			continue
		}

		if pid := p.proc.Status().PID; pid > 0 {
			pids = append(pids, pid)
		}
	}

	return pids
}

func (m *mixer) Close() {
	m.lock.Lock()
	pipes := m.pipes
	m.pipes = make(map[string]*pipe)
	m.lock.Unlock()

	for _, p := range pipes {
		p.rebuild.Lock()
		m.halt(p)
		p.window.Stop()
		p.rebuild.Unlock()
	}
}

func (m *mixer) emit(t event.MixerEventType, djID, broadcastID string, err error) {
	if m.events == nil {
		return
	}

	e := event.NewMixerEvent(t, djID, broadcastID)
	e.Error = err

	m.events.Publish(e)
}
