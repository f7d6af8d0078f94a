package playback

import (
	"testing"

	"github.com/dejastream/core/model"
	"github.com/dejastream/core/store"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	connected bool
	playing   bool
	video     *model.Video
	volume    float64
	closed    bool
}

func (b *fakeBackend) Connect() error {
	b.connected = true
	return nil
}

func (b *fakeBackend) LoadVideo(video *model.Video) error {
	b.video = video
	return nil
}

func (b *fakeBackend) Play() error {
	if b.video == nil {
		return ErrNoVideoLoaded
	}

	b.playing = true

	return nil
}

func (b *fakeBackend) Stop() error {
	b.playing = false
	return nil
}

func (b *fakeBackend) SetVolume(volume float64) error {
	b.volume = volume
	return nil
}

func (b *fakeBackend) IsConnected() bool {
	return b.connected && !b.closed
}

func (b *fakeBackend) Close() {
	b.closed = true
}

func setup(t *testing.T) (Supervisor, store.Store, *model.DJ, map[model.DeckKey]*fakeBackend) {
	s := store.NewMemory()

	dj := model.NewDJ("alice", "alice@example.com")
	dj.Status = model.DJInactive
	require.NoError(t, s.SaveDJ(dj))

	backends := map[model.DeckKey]*fakeBackend{}

	supervisor, err := New(Config{
		Store: s,
		Factory: func(deck *model.Deck) (Backend, error) {
			b := &fakeBackend{}
			backends[deck.Key()] = b

			return b, nil
		},
	})
	require.NoError(t, err)

	return supervisor, s, dj, backends
}

func TestUnregisteredDeck(t *testing.T) {
	supervisor, _, dj, _ := setup(t)

	key := model.DeckKey{DJID: dj.ID, Type: model.DeckA}

	require.ErrorIs(t, supervisor.Play(key), ErrNoBackend)
	require.ErrorIs(t, supervisor.Stop(key), ErrNoBackend)
	require.ErrorIs(t, supervisor.SetVolume(key, 0.5), ErrNoBackend)
	require.False(t, supervisor.IsReady(key))
}

func TestRegister(t *testing.T) {
	supervisor, _, dj, backends := setup(t)

	require.NoError(t, supervisor.Register(dj))
	require.Len(t, backends, 2)

	require.True(t, supervisor.IsReady(model.DeckKey{DJID: dj.ID, Type: model.DeckA}))
	require.True(t, supervisor.IsReady(model.DeckKey{DJID: dj.ID, Type: model.DeckB}))

	// Registering again doesn't create new backends.
	require.NoError(t, supervisor.Register(dj))
	require.Len(t, backends, 2)
}

func TestLoadVideo(t *testing.T) {
	supervisor, s, dj, _ := setup(t)
	require.NoError(t, supervisor.Register(dj))

	key := model.DeckKey{DJID: dj.ID, Type: model.DeckA}
	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)

	require.NoError(t, supervisor.LoadVideo(key, video))

	deck, err := s.FindDeckByKey(key)
	require.NoError(t, err)
	require.Equal(t, model.DeckLoaded, deck.Status)
	require.Equal(t, video.ID, deck.VideoID)
}

func TestPlayWithoutVideo(t *testing.T) {
	supervisor, s, dj, _ := setup(t)
	require.NoError(t, supervisor.Register(dj))

	key := model.DeckKey{DJID: dj.ID, Type: model.DeckA}

	require.ErrorIs(t, supervisor.Play(key), ErrNoVideoLoaded)

	deck, err := s.FindDeckByKey(key)
	require.NoError(t, err)
	require.Equal(t, model.DeckStopped, deck.Status)
}

func TestPlayStop(t *testing.T) {
	supervisor, s, dj, _ := setup(t)
	require.NoError(t, supervisor.Register(dj))

	key := model.DeckKey{DJID: dj.ID, Type: model.DeckA}
	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)

	require.NoError(t, supervisor.LoadVideo(key, video))
	require.NoError(t, supervisor.Play(key))

	deck, err := s.FindDeckByKey(key)
	require.NoError(t, err)
	require.Equal(t, model.DeckPlaying, deck.Status)

	// A playing deck flips its DJ to active.
	found, err := s.FindDJ(dj.ID)
	require.NoError(t, err)
	require.Equal(t, model.DJActive, found.Status)

	require.NoError(t, supervisor.Stop(key))

	deck, err = s.FindDeckByKey(key)
	require.NoError(t, err)
	require.Equal(t, model.DeckStopped, deck.Status)

	// No deck playing anymore, the DJ goes inactive.
	found, err = s.FindDJ(dj.ID)
	require.NoError(t, err)
	require.Equal(t, model.DJInactive, found.Status)
}

func TestStopWithSiblingPlaying(t *testing.T) {
	supervisor, s, dj, _ := setup(t)
	require.NoError(t, supervisor.Register(dj))

	keyA := model.DeckKey{DJID: dj.ID, Type: model.DeckA}
	keyB := model.DeckKey{DJID: dj.ID, Type: model.DeckB}

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)

	require.NoError(t, supervisor.LoadVideo(keyA, video))
	require.NoError(t, supervisor.LoadVideo(keyB, video))
	require.NoError(t, supervisor.Play(keyA))
	require.NoError(t, supervisor.Play(keyB))

	require.NoError(t, supervisor.Stop(keyA))

	// Deck B is still playing, the DJ stays active.
	found, err := s.FindDJ(dj.ID)
	require.NoError(t, err)
	require.Equal(t, model.DJActive, found.Status)

	require.NoError(t, supervisor.Stop(keyB))

	found, err = s.FindDJ(dj.ID)
	require.NoError(t, err)
	require.Equal(t, model.DJInactive, found.Status)
}

func TestSetVolume(t *testing.T) {
	supervisor, _, dj, backends := setup(t)
	require.NoError(t, supervisor.Register(dj))

	key := model.DeckKey{DJID: dj.ID, Type: model.DeckB}

	require.NoError(t, supervisor.SetVolume(key, 0.3))
	require.Equal(t, 0.3, backends[key].volume)
}

func TestUnregister(t *testing.T) {
	supervisor, _, dj, backends := setup(t)
	require.NoError(t, supervisor.Register(dj))

	supervisor.Unregister(dj.ID)

	for _, b := range backends {
		require.True(t, b.closed)
	}

	require.False(t, supervisor.IsReady(model.DeckKey{DJID: dj.ID, Type: model.DeckA}))
}
