package rtmp

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/dejastream/core/log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// APIConfig is the configuration for the HTTP companion listener of the
// ingest gateway.
type APIConfig struct {
	// The address the HTTP server should listen on, e.g. ":8000"
	Addr string

	// The gateway to report on.
	Server Server

	// Logger. Optional.
	Logger log.Logger
}

// API is a small HTTP listener next to the RTMP listener that exposes the
// currently publishing streams and their viewer counts.
type API interface {
	// Listen binds the listener without serving yet. Calling it again
	// after a successful bind is a no-op.
	Listen() error

	// ListenAndServe binds the listener if needed and serves until
	// Shutdown. A second call while serving is a no-op.
	ListenAndServe() error

	// Shutdown gracefully stops the HTTP server
	Shutdown(ctx context.Context) error
}

type api struct {
	addr   string
	server Server
	logger log.Logger

	router *echo.Echo

	serving    bool
	listenLock sync.Mutex
}

// StreamInfo is the JSON representation of a publishing stream.
type StreamInfo struct {
	Path    string `json:"path"`
	Viewers int    `json:"viewers"`
}

func NewAPI(config APIConfig) (API, error) {
	a := &api{
		addr:   config.Addr,
		server: config.Server,
		logger: config.Logger,
	}

	if a.logger == nil {
		a.logger = log.New("")
	}

	router := echo.New()
	router.HideBanner = true
	router.HidePort = true
	router.Use(middleware.Recover())

	router.GET("/v1/streams", a.streams)

	a.router = router

	return a, nil
}

func (a *api) Listen() error {
	a.listenLock.Lock()
	defer a.listenLock.Unlock()

	if a.router.Listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}

	// The router serves on a pre-bound listener.
	a.router.Listener = listener

	return nil
}

func (a *api) ListenAndServe() error {
	if err := a.Listen(); err != nil {
		return err
	}

	a.listenLock.Lock()
	if a.serving {
		a.listenLock.Unlock()
		return nil
	}
	a.serving = true
	a.listenLock.Unlock()

	a.logger.Info().WithField("address", a.addr).Log("HTTP listener started")

	return a.router.Start(a.addr)
}

func (a *api) Shutdown(ctx context.Context) error {
	return a.router.Shutdown(ctx)
}

func (a *api) streams(c echo.Context) error {
	streams := []StreamInfo{}

	for _, path := range a.server.Channels() {
		streams = append(streams, StreamInfo{
			Path:    path,
			Viewers: a.server.Viewers(path),
		})
	}

	return c.JSON(http.StatusOK, streams)
}
