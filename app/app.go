// Package app assembles the components of the engine and controls their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dejastream/core/compositor"
	"github.com/dejastream/core/config"
	"github.com/dejastream/core/engine"
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

// The App owns all components and their lifecycle.
type App interface {
	// Start brings all listeners and the engine up. A failing ingest
	// listener aborts the start.
	Start() error

	// Stop takes everything down in reverse order.
	Stop()

	// Engine returns the operation surface for callers.
	Engine() engine.Engine
}

type app struct {
	config *config.Data
	logger log.Logger

	store      store.Store
	events     *event.PubSub
	gateway    rtmp.Server
	gatewayAPI rtmp.API
	engine     engine.Engine
}

// storeAuthorizer authorizes deck publishes against the deck table.
type storeAuthorizer struct {
	store store.Store
}

func (a *storeAuthorizer) AuthorizeDeck(key model.DeckKey) error {
	if _, err := a.store.FindDeckByKey(key); err != nil {
		return fmt.Errorf("unknown deck %s", key)
	}

	return nil
}

// New assembles the application from the configuration.
func New(cfg *config.Data, logger log.Logger) (App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.New("")
	}

	a := &app{
		config: cfg,
		logger: logger,
	}

	a.events = event.NewPubSub()

	var err error

	if len(cfg.Store.Filepath) != 0 {
		a.store, err = store.NewJSON(store.JSONConfig{
			Filepath: cfg.Store.Filepath,
			Logger:   logger.WithComponent("Store"),
		})
	} else {
		a.store = store.NewMemory()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ports, err := net.NewPortrange(cfg.PortBase)
	if err != nil {
		return nil, err
	}

	ff, err := ffmpeg.New(ffmpeg.Config{
		Binary:      cfg.FFmpeg.Binary,
		ProbeBinary: cfg.FFmpeg.ProbeBinary,
	})
	if err != nil {
		return nil, fmt.Errorf("unusable ffmpeg: %w", err)
	}

	logger.Info().WithField("version", ff.Version()).Log("Found ffmpeg")

	a.gateway, err = rtmp.New(rtmp.Config{
		Addr:       cfg.RTMP.Address,
		App:        cfg.RTMP.App,
		Authorizer: &storeAuthorizer{store: a.store},
		Events:     a.events,
		Logger:     logger.WithComponent("RTMP"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest gateway: %w", err)
	}

	a.gatewayAPI, err = rtmp.NewAPI(rtmp.APIConfig{
		Addr:   cfg.RTMP.HTTPAddress,
		Server: a.gateway,
		Logger: logger.WithComponent("HTTP"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create status listener: %w", err)
	}

	ingestAddress := "rtmp://localhost" + cfg.RTMP.Address + cfg.RTMP.App

	factory := a.backendFactory(ingestAddress, ff)

	supervisor, err := playback.New(playback.Config{
		Store:   a.store,
		Factory: factory,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	mix, err := mixer.New(mixer.Config{
		Store:          a.store,
		FFmpeg:         ff,
		IngestAddress:  ingestAddress,
		Mode:           mixer.Mode(cfg.Mixer.Mode),
		IsDeckReady:    supervisor.IsReady,
		IsStreamActive: a.gateway.IsStreamActive,
		Viewers:        a.gateway.Viewers,
		Events:         a.events,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Config{
		Store:      a.store,
		Supervisor: supervisor,
		Mixer:      mix,
		Gateway:    a.gateway,
		Ports:      ports,
		FFmpeg:     ff,
		Psutil:     psutil.New(),
		Events:     a.events,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// backendFactory returns the factory for the configured playback backend.
func (a *app) backendFactory(ingestAddress string, ff ffmpeg.FFmpeg) playback.Factory {
	if a.config.Playback.Backend == "compositor" {
		return func(deck *model.Deck) (playback.Backend, error) {
			return compositor.New(compositor.Config{
				Key:      deck.Key(),
				Address:  fmt.Sprintf("ws://localhost:%d", deck.ControlPort),
				Password: a.config.Playback.CompositorPassword,
				Events:   a.events,
				Logger:   a.logger,
			})
		}
	}

	return func(deck *model.Deck) (playback.Backend, error) {
		key := deck.Key()

		return playback.NewLocal(playback.LocalConfig{
			Key:     key,
			Address: ingestAddress + "/" + key.DJID + "/" + string(key.Type),
			FFmpeg:  ff,
			Events:  a.events,
			Logger:  a.logger,
		})
	}
}

func (a *app) Engine() engine.Engine {
	return a.engine
}

func (a *app) Start() error {
	// Bind both listeners before serving so that an occupied port fails
	// the start synchronously.
	if err := a.gateway.Listen(); err != nil {
		return fmt.Errorf("failed to bind ingest listener: %w", err)
	}

	if err := a.gatewayAPI.Listen(); err != nil {
		a.gateway.Close()
		return fmt.Errorf("failed to bind status listener: %w", err)
	}

	go func() {
		if err := a.gateway.ListenAndServe(); err != nil && err != rtmp.ErrServerClosed {
			a.logger.WithError(err).Error().Log("Ingest listener failed")
		}
	}()

	go func() {
		if err := a.gatewayAPI.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error().Log("Status listener failed")
		}
	}()

	if err := a.engine.Start(); err != nil {
		return err
	}

	a.logger.Info().WithFields(log.Fields{
		"rtmp": a.config.RTMP.Address,
		"http": a.config.RTMP.HTTPAddress,
	}).Log("Engine started")

	return nil
}

func (a *app) Stop() {
	a.engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	a.gatewayAPI.Shutdown(ctx)
	a.gateway.Close()

	a.events.Close()

	a.logger.Info().Log("Engine stopped")
}

// NewLogger builds the console logger for the configured level.
func NewLogger(cfg *config.Data) log.Logger {
	level := log.Linfo

	switch cfg.Log.Level {
	case "silent":
		level = log.Lsilent
	case "error":
		level = log.Lerror
	case "warn":
		level = log.Lwarn
	case "debug":
		level = log.Ldebug
	}

	writer := log.NewConsoleWriter(os.Stderr, level, true)

	return log.New("Core").WithOutput(log.NewSyncWriter(writer))
}
