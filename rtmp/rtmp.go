// Package rtmp provides the RTMP ingest gateway. Deck feeds publish to
// /{app}/{djId}/{deckType}, the mixer publishes the outgoing broadcast to
// /{app}/{djId}/broadcast/{channelId}. Publishing a deck path requires that
// the deck is known, playback pulls are not restricted.
package rtmp

import (
	"net"
	"sync"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"

	"github.com/datarhei/joy4/av/avutil"
	"github.com/datarhei/joy4/av/pktque"
	"github.com/datarhei/joy4/format"
	"github.com/datarhei/joy4/format/rtmp"
	"github.com/lithammer/shortuuid/v4"
)

// ErrServerClosed is returned by ListenAndServe if the server has been
// closed regularly with the Close() function.
var ErrServerClosed = rtmp.ErrServerClosed

func init() {
	format.RegisterAll()
}

// An Authorizer decides whether a deck feed is allowed to publish. It is
// consulted once per publish attempt, before the path becomes active.
type Authorizer interface {
	AuthorizeDeck(key model.DeckKey) error
}

// Config for a new ingest gateway
type Config struct {
	// Logger. Optional.
	Logger log.Logger

	// The address the RTMP server should listen on, e.g. ":1935"
	Addr string

	// The app path for the streams, e.g. "/live". Optional. Defaults
	// to "/".
	App string

	// Authorizer for deck publish paths. Optional. By default all
	// deck paths are allowed.
	Authorizer Authorizer

	// Events receives a StreamEvent whenever a deck feed starts or
	// stops publishing. Optional.
	Events *event.PubSub
}

// Server represents the RTMP ingest gateway
type Server interface {
	// Listen binds the listener without serving yet. Calling it again
	// after a successful bind is a no-op.
	Listen() error

	// ListenAndServe binds the listener if needed and serves until
	// Close. A second call while serving is a no-op.
	ListenAndServe() error

	// Close stops the RTMP server and closes all connections
	Close()

	// Channels returns a list of currently publishing streams
	Channels() []string

	// IsStreamActive returns whether the feed of a deck is currently
	// publishing.
	IsStreamActive(key model.DeckKey) bool

	// Viewers returns the number of subscribers of a stream.
	Viewers(path string) int

	// Cleanup disconnects all publishers that belong to a DJ, both the
	// deck feeds and the broadcast feed.
	Cleanup(djID string)
}

// server is an implementation of the Server interface
type server struct {
	app        string
	addr       string
	logger     log.Logger
	authorizer Authorizer
	events     *event.PubSub

	// A joy4 RTMP server instance
	server *rtmp.Server

	// The bound listener, handed to the joy4 server once serving
	// starts. A lock guards the listen/serve lifecycle.
	listener   net.Listener
	serving    bool
	listenLock sync.Mutex

	// Map of publishing channels by path, plus an index from deck to
	// path. A lock serializes access to both.
	channels map[string]*channel
	decks    map[model.DeckKey]string
	lock     sync.RWMutex
}

// New creates a new ingest gateway according to the given config
func New(config Config) (Server, error) {
	if len(config.App) == 0 {
		config.App = "/"
	}

	if config.Logger == nil {
		config.Logger = log.New("")
	}

	s := &server{
		app:        config.App,
		addr:       config.Addr,
		logger:     config.Logger,
		authorizer: config.Authorizer,
		events:     config.Events,
	}

	if len(s.addr) == 0 {
		s.addr = ":1935"
	}

	s.server = &rtmp.Server{
		HandlePlay:    s.handlePlay,
		HandlePublish: s.handlePublish,
	}

	s.channels = make(map[string]*channel)
	s.decks = make(map[model.DeckKey]string)

	rtmp.Debug = false

	return s, nil
}

func (s *server) Listen() error {
	s.listenLock.Lock()
	defer s.listenLock.Unlock()

	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = listener

	return nil
}

// ListenAndServe starts the RMTP server
func (s *server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.listenLock.Lock()
	if s.serving {
		s.listenLock.Unlock()
		return nil
	}
	s.serving = true
	listener := s.listener
	s.listenLock.Unlock()

	return s.server.Serve(listener)
}

func (s *server) Close() {
	s.listenLock.Lock()
	listener := s.listener
	s.listener = nil
	s.listenLock.Unlock()

	// Stop the serve loop if it is running
	s.server.Close()

	// Covers a listener that is bound but not serving yet
	if listener != nil {
		listener.Close()
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	// Close all channels
	for _, ch := range s.channels {
		ch.Close()
	}
}

// Channels returns the list of streams that are publishing currently
func (s *server) Channels() []string {
	channels := []string{}

	s.lock.RLock()
	defer s.lock.RUnlock()

	for key := range s.channels {
		channels = append(channels, key)
	}

	return channels
}

func (s *server) IsStreamActive(key model.DeckKey) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.decks[key]

	return ok
}

func (s *server) Viewers(path string) int {
	s.lock.RLock()
	ch := s.channels[path]
	s.lock.RUnlock()

	if ch == nil {
		return 0
	}

	return ch.Subscribers()
}

func (s *server) Cleanup(djID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for path, ch := range s.channels {
		sp := parsePath(s.app, path)
		if sp.kind == pathInvalid || sp.djID != djID {
			continue
		}

		// Closing the publisher unwinds the publish handler which
		// removes the channel from the maps.
		ch.Close()
	}
}

func (s *server) log(who, action, path, message string, client net.Addr) {
	s.logger.Info().WithFields(log.Fields{
		"who":    who,
		"action": action,
		"path":   path,
		"client": client.String(),
	}).Log(message)
}

// handlePlay is called when a RTMP client wants to play a stream
func (s *server) handlePlay(conn *rtmp.Conn) {
	client := conn.NetConn().RemoteAddr()

	defer conn.Close()

	playPath := conn.URL.Path

	// Look for the stream
	s.lock.RLock()
	ch := s.channels[playPath]
	s.lock.RUnlock()

	if ch == nil {
		s.log("PLAY", "NOTFOUND", playPath, "", client)
		return
	}

	// Send the metadata to the client
	conn.WriteHeader(ch.streams)

	s.log("PLAY", "START", playPath, "", client)

	// Get a cursor and apply filters
	cursor := ch.queue.Oldest()

	filters := pktque.Filters{}

	if ch.hasVideo {
		// The first packet has to be a key frame
		filters = append(filters, &pktque.WaitKeyFrame{})
	}

	// Adjust the timestamp such that the stream starts from 0
	filters = append(filters, &pktque.FixTime{StartFromZero: true, MakeIncrement: false})

	demuxer := &pktque.FilterDemuxer{
		Filter:  filters,
		Demuxer: cursor,
	}

	id := shortuuid.New()
	ch.AddSubscriber(id)

	// Transfer the data, blocks until done
	avutil.CopyFile(conn, demuxer)

	ch.RemoveSubscriber(id)

	s.log("PLAY", "STOP", playPath, "", client)
}

// handlePublish is called when a RTMP client wants to publish a stream
func (s *server) handlePublish(conn *rtmp.Conn) {
	client := conn.NetConn().RemoteAddr()

	defer conn.Close()

	playPath := conn.URL.Path

	sp := parsePath(s.app, playPath)
	if sp.kind == pathInvalid {
		s.log("PUBLISH", "FORBIDDEN", playPath, "invalid path", client)
		return
	}

	if sp.kind == pathDeck && s.authorizer != nil {
		if err := s.authorizer.AuthorizeDeck(sp.deckKey()); err != nil {
			s.log("PUBLISH", "FORBIDDEN", playPath, err.Error(), client)
			return
		}
	}

	// Check the streams if it contains any valid/known streams
	streams, _ := conn.Streams()

	if len(streams) == 0 {
		s.log("PUBLISH", "INVALID", playPath, "no streams available", client)
		return
	}

	s.lock.Lock()

	ch := s.channels[playPath]
	if ch == nil {
		// Create a new channel
		ch = newChannel(conn, playPath, streams)

		s.channels[playPath] = ch

		if sp.kind == pathDeck {
			s.decks[sp.deckKey()] = playPath
		}
	} else {
		ch = nil
	}

	s.lock.Unlock()

	if ch == nil {
		s.log("PUBLISH", "CONFLICT", playPath, "already publishing", client)
		return
	}

	s.log("PUBLISH", "START", playPath, "", client)

	for _, stream := range streams {
		s.log("PUBLISH", "STREAM", playPath, stream.Type().String(), client)
	}

	if sp.kind == pathDeck && s.events != nil {
		s.events.Publish(event.NewStreamEvent(event.StreamStart, sp.deckKey(), playPath))
	}

	// Ingest the data, blocks until done
	avutil.CopyPackets(ch.queue, conn)

	s.lock.Lock()
	delete(s.channels, playPath)
	if sp.kind == pathDeck {
		delete(s.decks, sp.deckKey())
	}
	s.lock.Unlock()

	ch.Close()

	if sp.kind == pathDeck && s.events != nil {
		s.events.Publish(event.NewStreamEvent(event.StreamEnd, sp.deckKey(), playPath))
	}

	s.log("PUBLISH", "STOP", playPath, "", client)
}
