// Package compositor provides a playback backend that controls a remote
// live compositor over a websocket connection instead of spawning a local
// pipeline. Each deck talks to one compositor instance listening on the
// deck's allocated control port.
package compositor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/playback"

	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"
)

// ErrNotConnected is returned for operations on a backend whose control
// connection is down.
var ErrNotConnected = errors.New("compositor is not connected")

const (
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = 2 * time.Second
	requestTimeout           = 5 * time.Second
)

// Config is the configuration for a remote compositor backend.
type Config struct {
	// The deck this backend plays for.
	Key model.DeckKey

	// The websocket address of the compositor's control connection,
	// e.g. "ws://localhost:4455".
	Address string

	// Password for the control connection. Optional.
	Password string

	// Number of connection attempts before giving up. Optional,
	// defaults to 3.
	ReconnectAttempts int

	// Delay between connection attempts. Optional, defaults to 2s.
	ReconnectDelay time.Duration

	// Events receives the DeckEvents of this backend. Optional.
	Events *event.PubSub

	// Logger. Optional.
	Logger log.Logger
}

// request and response are the control protocol frames. Frames without a
// request id are events pushed by the compositor.
type request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID    string          `json:"id"`
	Event string          `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type backend struct {
	key      model.DeckKey
	address  string
	password string
	attempts int
	delay    time.Duration
	events   *event.PubSub
	logger   log.Logger

	conn struct {
		conn      *websocket.Conn
		connected bool
		closed    bool
		writeLock sync.Mutex
		lock      sync.RWMutex
	}

	pending     map[string]chan response
	pendingLock sync.Mutex

	video  *model.Video
	volume float64
}

var _ playback.Backend = &backend{}

// New creates a remote compositor backend for a deck. The control
// connection is established with Connect.
func New(config Config) (playback.Backend, error) {
	if len(config.Address) == 0 {
		return nil, fmt.Errorf("no control address given")
	}

	b := &backend{
		key:      config.Key,
		address:  config.Address,
		password: config.Password,
		attempts: config.ReconnectAttempts,
		delay:    config.ReconnectDelay,
		events:   config.Events,
		logger:   config.Logger,
		volume:   1.0,
	}

	if b.attempts <= 0 {
		b.attempts = defaultReconnectAttempts
	}

	if b.delay <= 0 {
		b.delay = defaultReconnectDelay
	}

	if b.logger == nil {
		b.logger = log.New("")
	}

	b.logger = b.logger.WithComponent("Compositor").WithField("deck", b.key.String())

	b.pending = make(map[string]chan response)

	return b, nil
}

// Connect dials the control connection. It retries a bounded number of
// times with a fixed delay before giving up.
func (b *backend) Connect() error {
	var lastErr error

	for attempt := 1; attempt <= b.attempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(b.address, nil)
		if err == nil {
			if err = b.authenticate(conn); err == nil {
				b.conn.lock.Lock()
				b.conn.conn = conn
				b.conn.connected = true
				b.conn.lock.Unlock()

				go b.reader(conn)

				b.logger.Info().WithField("address", b.address).Log("Connected")
				b.emit(event.DeckConnected, nil)

				return nil
			}

			conn.Close()
		}

		lastErr = err

		b.logger.WithError(err).Warn().Log("Connection attempt %d/%d failed", attempt, b.attempts)

		if attempt < b.attempts {
			time.Sleep(b.delay)
		}
	}

	err := fmt.Errorf("failed to connect to compositor at %s: %w", b.address, lastErr)
	b.emit(event.DeckError, err)

	return err
}

// authenticate sends the password over the fresh connection and waits for
// the compositor to acknowledge it.
func (b *backend) authenticate(conn *websocket.Conn) error {
	params, _ := json.Marshal(map[string]string{"password": b.password})

	req := request{
		ID:     shortuuid.New(),
		Op:     "authenticate",
		Params: params,
	}

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send authentication: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	res := response{}
	if err := conn.ReadJSON(&res); err != nil {
		return fmt.Errorf("failed to read authentication response: %w", err)
	}

	if len(res.Error) != 0 {
		return fmt.Errorf("authentication rejected: %s", res.Error)
	}

	return nil
}

func (b *backend) IsConnected() bool {
	b.conn.lock.RLock()
	defer b.conn.lock.RUnlock()

	return b.conn.connected
}

func (b *backend) LoadVideo(video *model.Video) error {
	err := b.call("load", map[string]interface{}{
		"path": video.Path,
	})
	if err != nil {
		return err
	}

	b.video = video

	e := event.NewDeckEvent(event.DeckVideoLoaded, b.key)
	e.VideoID = video.ID
	b.publish(e)

	return nil
}

func (b *backend) Play() error {
	if b.video == nil {
		return playback.ErrNoVideoLoaded
	}

	if err := b.call("play", nil); err != nil {
		return err
	}

	b.emit(event.DeckPlaybackStarted, nil)

	return nil
}

func (b *backend) Stop() error {
	if err := b.call("stop", nil); err != nil {
		return err
	}

	b.emit(event.DeckPlaybackStopped, nil)

	return nil
}

func (b *backend) SetVolume(volume float64) error {
	if volume < 0 {
		return fmt.Errorf("invalid volume %f, must not be negative", volume)
	}

	err := b.call("setVolume", map[string]interface{}{
		"volume": volume,
	})
	if err != nil {
		return err
	}

	b.volume = volume

	return nil
}

func (b *backend) Close() {
	b.conn.lock.Lock()
	b.conn.closed = true
	b.conn.connected = false
	conn := b.conn.conn
	b.conn.conn = nil
	b.conn.lock.Unlock()

	if conn != nil {
		conn.Close()
	}

	b.emit(event.DeckDisconnected, nil)
}

// call sends a request and waits for the matching response.
func (b *backend) call(op string, params interface{}) error {
	b.conn.lock.RLock()
	conn := b.conn.conn
	connected := b.conn.connected
	b.conn.lock.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	req := request{
		ID: shortuuid.New(),
		Op: op,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		req.Params = data
	}

	ch := make(chan response, 1)

	b.pendingLock.Lock()
	b.pending[req.ID] = ch
	b.pendingLock.Unlock()

	defer func() {
		b.pendingLock.Lock()
		delete(b.pending, req.ID)
		b.pendingLock.Unlock()
	}()

	b.conn.writeLock.Lock()
	err := conn.WriteJSON(req)
	b.conn.writeLock.Unlock()

	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", op, err)
	}

	select {
	case res := <-ch:
		if len(res.Error) != 0 {
			return fmt.Errorf("%s request failed: %s", op, res.Error)
		}

		return nil
	case <-time.After(requestTimeout):
		return fmt.Errorf("%s request timed out", op)
	}
}

// reader demultiplexes the incoming frames into pending responses and
// pushed events. When the connection drops, a bounded reconnect is
// attempted unless the backend has been closed.
func (b *backend) reader(conn *websocket.Conn) {
	for {
		res := response{}

		if err := conn.ReadJSON(&res); err != nil {
			b.handleDisconnect(err)
			return
		}

		if len(res.ID) != 0 {
			b.pendingLock.Lock()
			ch := b.pending[res.ID]
			b.pendingLock.Unlock()

			if ch != nil {
				ch <- res
			}

			continue
		}

		b.handleEvent(res.Event)
	}
}

func (b *backend) handleEvent(name string) {
	switch name {
	case "mediaEnded":
		b.emit(event.DeckMediaEnded, nil)
	case "playbackStarted":
		b.emit(event.DeckPlaybackStarted, nil)
	case "playbackStopped":
		b.emit(event.DeckPlaybackStopped, nil)
	}
}

func (b *backend) handleDisconnect(err error) {
	b.conn.lock.Lock()
	closed := b.conn.closed
	b.conn.connected = false
	b.conn.conn = nil
	b.conn.lock.Unlock()

	if closed {
		return
	}

	b.logger.WithError(err).Warn().Log("Connection lost")
	b.emit(event.DeckDisconnected, nil)

	if err := b.Connect(); err != nil {
		b.logger.WithError(err).Error().Log("Reconnection given up")
	}
}

func (b *backend) emit(t event.DeckEventType, err error) {
	e := event.NewDeckEvent(t, b.key)
	e.Error = err

	b.publish(e)
}

func (b *backend) publish(e *event.DeckEvent) {
	if b.events == nil {
		return
	}

	b.events.Publish(e)
}
