package rtmp

import (
	"strings"

	"github.com/dejastream/core/model"
)

type pathKind int

const (
	pathInvalid pathKind = iota
	pathDeck
	pathBroadcast
)

// streamPath is a parsed publish path. Deck feeds publish to
// /{app}/{djId}/{deckType}, the mixer publishes the outgoing feed to
// /{app}/{djId}/broadcast/{channelId}.
type streamPath struct {
	kind      pathKind
	djID      string
	deckType  model.DeckType
	channelID string
	raw       string
}

func (p streamPath) deckKey() model.DeckKey {
	return model.DeckKey{
		DJID: p.djID,
		Type: p.deckType,
	}
}

// parsePath parses a publish or play path. The app prefix has to match.
func parsePath(app, path string) streamPath {
	sp := streamPath{
		kind: pathInvalid,
		raw:  path,
	}

	prefix := app + "/"
	if !strings.HasPrefix(path, prefix) {
		return sp
	}

	elements := strings.Split(strings.TrimPrefix(path, prefix), "/")

	switch len(elements) {
	case 2:
		deckType, err := model.ParseDeckType(elements[1])
		if err != nil {
			return sp
		}

		sp.kind = pathDeck
		sp.djID = elements[0]
		sp.deckType = deckType
	case 3:
		if elements[1] != "broadcast" {
			return sp
		}

		sp.kind = pathBroadcast
		sp.djID = elements[0]
		sp.channelID = elements[2]
	}

	if len(sp.djID) == 0 {
		sp.kind = pathInvalid
	}

	return sp
}
