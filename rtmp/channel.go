package rtmp

import (
	"sync"

	"github.com/datarhei/joy4/av"
	"github.com/datarhei/joy4/av/pubsub"
)

// channel represents a stream that is published to the server.
type channel struct {
	// The packet queue for the stream.
	queue *pubsub.Queue

	// The metadata of the stream.
	streams []av.CodecData

	// Whether the stream has an audio or video track.
	hasAudio bool
	hasVideo bool

	path string

	publisher  av.MuxCloser
	subscriber map[string]struct{}
	lock       sync.RWMutex
}

func newChannel(publisher av.MuxCloser, path string, streams []av.CodecData) *channel {
	ch := &channel{
		path:       path,
		publisher:  publisher,
		subscriber: make(map[string]struct{}),
		streams:    streams,
		queue:      pubsub.NewQueue(),
	}

	// Keep a short tail of groups of pictures so a new subscriber can
	// start from a keyframe without waiting for the next one.
	ch.queue.SetMaxGopCount(2)

	ch.queue.WriteHeader(streams)

	for _, stream := range streams {
		typ := stream.Type()

		switch {
		case typ.IsAudio():
			ch.hasAudio = true
		case typ.IsVideo():
			ch.hasVideo = true
		}
	}

	return ch
}

func (ch *channel) Close() {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	if ch.publisher == nil {
		return
	}

	ch.publisher.Close()
	ch.publisher = nil

	ch.queue.Close()
}

func (ch *channel) AddSubscriber(id string) {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	ch.subscriber[id] = struct{}{}
}

func (ch *channel) RemoveSubscriber(id string) {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	delete(ch.subscriber, id)
}

func (ch *channel) Subscribers() int {
	ch.lock.RLock()
	defer ch.lock.RUnlock()

	return len(ch.subscriber)
}
