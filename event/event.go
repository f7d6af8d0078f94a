// Package event provides a pub/sub channel for the asynchronous events
// the components emit (ingest stream lifecycle, playback backends, mixing
// pipelines). Delivery is asynchronous and at-least-once per subscriber as
// long as the subscriber keeps draining its channel.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"
)

type Event interface {
	Clone() Event
}

type CancelFunc func()

type PubSub struct {
	publisher       chan Event
	publisherClosed bool
	publisherLock   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	subscriber     map[string]chan Event
	subscriberLock sync.Mutex
}

func NewPubSub() *PubSub {
	p := &PubSub{
		publisher:  make(chan Event, 1024),
		subscriber: make(map[string]chan Event),
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())

	go p.broadcast()

	return p
}

func (p *PubSub) Publish(e Event) error {
	event := e.Clone()

	p.publisherLock.Lock()
	defer p.publisherLock.Unlock()

	if p.publisherClosed {
		return fmt.Errorf("pubsub is closed")
	}

	select {
	case p.publisher <- event:
	default:
		return fmt.Errorf("publisher queue full")
	}

	return nil
}

func (p *PubSub) Close() {
	p.cancel()

	p.publisherLock.Lock()
	if !p.publisherClosed {
		close(p.publisher)
		p.publisherClosed = true
	}
	p.publisherLock.Unlock()

	p.subscriberLock.Lock()
	for _, c := range p.subscriber {
		close(c)
	}
	p.subscriber = make(map[string]chan Event)
	p.subscriberLock.Unlock()
}

func (p *PubSub) Subscribe() (<-chan Event, CancelFunc) {
	l := make(chan Event, 1024)

	var id string

	p.subscriberLock.Lock()
	for {
		id = shortuuid.New()
		if _, ok := p.subscriber[id]; !ok {
			p.subscriber[id] = l
			break
		}
	}
	p.subscriberLock.Unlock()

	// The channel is closed on cancel so that a consumer ranging over
	// it terminates. Sends happen under the same lock, a second cancel
	// or a cancel after Close finds the entry gone.
	unsubscribe := func() {
		p.subscriberLock.Lock()
		defer p.subscriberLock.Unlock()

		if c, ok := p.subscriber[id]; ok {
			delete(p.subscriber, id)
			close(c)
		}
	}

	return l, unsubscribe
}

func (p *PubSub) broadcast() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case e := <-p.publisher:
			if e == nil {
				return
			}

			p.subscriberLock.Lock()
			for _, c := range p.subscriber {
				select {
				case c <- e.Clone():
				default:
				}
			}
			p.subscriberLock.Unlock()
		}
	}
}
