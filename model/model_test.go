package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDeckType(t *testing.T) {
	deckType, err := ParseDeckType("A")
	require.NoError(t, err)
	require.Equal(t, DeckA, deckType)

	deckType, err = ParseDeckType("B")
	require.NoError(t, err)
	require.Equal(t, DeckB, deckType)

	_, err = ParseDeckType("C")
	require.Error(t, err)

	_, err = ParseDeckType("a")
	require.Error(t, err)
}

func TestNewDJ(t *testing.T) {
	dj := NewDJ("alice", "alice@example.com")

	require.NotEmpty(t, dj.ID)
	require.Equal(t, DJActive, dj.Status)
	require.Len(t, dj.Decks, 2)

	deckA := dj.Deck(DeckA)
	require.NotNil(t, deckA)
	require.Equal(t, dj.ID, deckA.DJID)
	require.Equal(t, DeckStopped, deckA.Status)
	require.Equal(t, float64(100), deckA.StreamHealth)

	deckB := dj.Deck(DeckB)
	require.NotNil(t, deckB)
	require.NotEqual(t, deckA.ID, deckB.ID)
}

func TestDJClone(t *testing.T) {
	dj := NewDJ("alice", "alice@example.com")

	clone := dj.Clone()
	clone.Username = "bob"
	clone.Decks[0].Status = DeckPlaying

	require.Equal(t, "alice", dj.Username)
	require.Equal(t, DeckStopped, dj.Decks[0].Status)
}

func TestDeckKey(t *testing.T) {
	deck := NewDeck("123", DeckB)

	key := deck.Key()
	require.Equal(t, "123", key.DJID)
	require.Equal(t, DeckB, key.Type)
	require.Equal(t, "123/B", key.String())
}

func TestNewBroadcast(t *testing.T) {
	broadcast := NewBroadcast("123", "abc")

	require.Equal(t, BroadcastOffline, broadcast.Status)
	require.Equal(t, 0.5, broadcast.CrossfaderPosition)
	require.Equal(t, DeckA, broadcast.ActiveDeck)
}
