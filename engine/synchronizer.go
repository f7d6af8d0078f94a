package engine

import (
	"github.com/dejastream/core/event"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
)

// How much a crash costs a deck's stream health.
const healthPenalty = 25

// reconcile aligns the persisted state with the process state at startup.
// No child process survives a restart, so playing decks and live
// broadcasts in the store are stale. Active DJs get their backends
// re-established.
func (e *engine) reconcile() {
	djs, err := e.store.ListDJs()
	if err != nil {
		e.logger.WithError(err).Error().Log("Failed to load DJs")
		return
	}

	for _, dj := range djs {
		logger := e.logger.WithField("dj", dj.ID)

		for _, deck := range dj.Decks {
			if deck.Status == model.DeckStopped || deck.Status == model.DeckLoaded {
				continue
			}

			deck.Status = model.DeckStopped

			if err := e.store.SaveDeck(deck); err != nil {
				logger.WithError(err).Warn().Log("Failed to reconcile deck")
			}
		}

		if broadcast, err := e.store.LiveBroadcastByDJ(dj.ID); err == nil {
			broadcast.Status = model.BroadcastOffline
			if err := e.store.SaveBroadcast(broadcast); err != nil {
				logger.WithError(err).Warn().Log("Failed to reconcile broadcast")
			}
		}

		if dj.Status != model.DJActive {
			continue
		}

		if err := e.supervisor.Register(dj); err != nil {
			logger.WithError(err).Warn().Log("Failed to re-establish backends")
		}
	}
}

// eventLoop reconciles the entity state with the events the components
// emit. It runs until the subscription is cancelled.
func (e *engine) eventLoop(ch <-chan event.Event) {
	for ev := range ch {
		switch ev := ev.(type) {
		case *event.DeckEvent:
			e.onDeckEvent(ev)
		case *event.MixerEvent:
			e.onMixerEvent(ev)
		case *event.StreamEvent:
			e.onStreamEvent(ev)
		}
	}
}

// onDeckEvent handles unexpected playback terminations. Deliberate stops
// are persisted synchronously by the supervisor and need no action here.
func (e *engine) onDeckEvent(ev *event.DeckEvent) {
	if ev.Type != event.DeckMediaEnded && ev.Type != event.DeckError {
		return
	}

	logger := e.logger.WithField("deck", ev.Deck.String())

	deck, err := e.store.FindDeckByKey(ev.Deck)
	if err != nil {
		logger.WithError(err).Warn().Log("Deck event for unknown deck")
		return
	}

	if deck.Status == model.DeckPlaying {
		deck.Status = model.DeckStopped
	}

	if ev.Type == event.DeckError {
		logger.WithError(ev.Error).Warn().Log("Playback terminated unexpectedly")

		deck.StreamHealth -= healthPenalty
		if deck.StreamHealth < 0 {
			deck.StreamHealth = 0
		}
	} else {
		logger.Info().Log("Media ended")
	}

	if err := e.store.SaveDeck(deck); err != nil {
		logger.WithError(err).Warn().Log("Failed to reconcile deck")
		return
	}

	// The DJ goes inactive if this was its last playing deck.
	dj, err := e.store.FindDJ(ev.Deck.DJID)
	if err != nil {
		return
	}

	for _, d := range dj.Decks {
		if d.Status == model.DeckPlaying {
			return
		}
	}

	if dj.Status != model.DJInactive {
		dj.Status = model.DJInactive

		if err := e.store.SaveDJ(dj); err != nil {
			logger.WithError(err).Warn().Log("Failed to reconcile DJ")
		}
	}
}

// onMixerEvent logs pipeline terminations. The mixer reconciles its
// broadcast rows itself before emitting.
func (e *engine) onMixerEvent(ev *event.MixerEvent) {
	logger := e.logger.WithFields(log.Fields{
		"dj":        ev.DJID,
		"broadcast": ev.BroadcastID,
	})

	switch ev.Type {
	case event.MixerEnded:
		logger.Info().Log("Broadcast ended")
	case event.MixerError:
		logger.WithError(ev.Error).Warn().Log("Broadcast failed")
	}
}

func (e *engine) onStreamEvent(ev *event.StreamEvent) {
	e.logger.Debug().WithFields(log.Fields{
		"deck": ev.Deck.String(),
		"path": ev.Path,
		"type": ev.Type,
	}).Log("Ingest stream event")
}
