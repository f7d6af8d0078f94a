package mixer

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/ffmpeg"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/process"
	"github.com/dejastream/core/store"

	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	command []string
	onExit  func(state string)

	running bool
	stop    func()
	lock    sync.Mutex
}

func (p *fakeProc) Status() process.Status {
	return process.Status{PID: 4711, State: "running", CommandArgs: p.command}
}

func (p *fakeProc) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.running = true

	return nil
}

func (p *fakeProc) Stop(wait bool) error {
	if p.stop != nil {
		p.stop()
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.running = false

	return nil
}

func (p *fakeProc) Kill(wait bool) error {
	return p.Stop(wait)
}

func (p *fakeProc) IsRunning() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.running
}

// crash simulates an exit that has not been requested.
func (p *fakeProc) crash(state string) {
	p.lock.Lock()
	p.running = false
	p.lock.Unlock()

	p.onExit(state)
}

type fakeFFmpeg struct {
	procs []*fakeProc
	stop  func()
	lock  sync.Mutex
}

func (f *fakeFFmpeg) New(config ffmpeg.ProcessConfig) (process.Process, error) {
	p := &fakeProc{
		command: config.Command,
		onExit:  config.OnExit,
		stop:    f.stop,
	}

	f.lock.Lock()
	f.procs = append(f.procs, p)
	f.lock.Unlock()

	return p, nil
}

func (f *fakeFFmpeg) ProbeDuration(path string) (float64, error) { return 0, nil }
func (f *fakeFFmpeg) Binary() string                             { return "ffmpeg" }
func (f *fakeFFmpeg) Version() string                            { return "6.0" }

func (f *fakeFFmpeg) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.procs)
}

func (f *fakeFFmpeg) last() *fakeProc {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.procs[len(f.procs)-1]
}

func (f *fakeFFmpeg) running() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	running := 0
	for _, p := range f.procs {
		if p.IsRunning() {
			running++
		}
	}

	return running
}

func setup(t *testing.T, ff *fakeFFmpeg, ready bool) (Mixer, store.Store, *model.DJ) {
	s := store.NewMemory()

	dj := model.NewDJ("alice", "alice@example.com")
	require.NoError(t, s.SaveDJ(dj))

	m, err := New(Config{
		Store:          s,
		FFmpeg:         ff,
		IngestAddress:  "rtmp://localhost:1935/live",
		IsDeckReady:    func(key model.DeckKey) bool { return ready },
		IsStreamActive: func(key model.DeckKey) bool { return ready },
	})
	require.NoError(t, err)

	return m, s, dj
}

func TestStartDecksNotReady(t *testing.T) {
	m, _, dj := setup(t, &fakeFFmpeg{}, false)

	_, err := m.Start(dj.ID)
	require.ErrorIs(t, err, ErrDecksNotReady)
}

func TestStartUnknownDJ(t *testing.T) {
	m, _, _ := setup(t, &fakeFFmpeg{}, true)

	_, err := m.Start("nothere")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartBroadcast(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, s, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	require.Equal(t, model.BroadcastLive, broadcast.Status)
	require.Equal(t, 0.5, broadcast.CrossfaderPosition)
	require.Equal(t, model.DeckA, broadcast.ActiveDeck)
	require.False(t, broadcast.Stats.StartTime.IsZero())

	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, model.BroadcastLive, found.Status)

	require.Equal(t, 1, ff.count())

	command := strings.Join(ff.last().command, " ")
	require.Contains(t, command, "rtmp://localhost:1935/live/"+dj.ID+"/A")
	require.Contains(t, command, "rtmp://localhost:1935/live/"+dj.ID+"/B")
	require.Contains(t, command, "/broadcast/"+broadcast.ChannelID)
}

func TestSingleLiveBroadcast(t *testing.T) {
	m, s, dj := setup(t, &fakeFFmpeg{}, true)

	first, err := m.Start(dj.ID)
	require.NoError(t, err)

	second, err := m.Start(dj.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	list, err := s.ListBroadcastsByDJ(dj.ID)
	require.NoError(t, err)

	live := 0
	for _, b := range list {
		if b.Status == model.BroadcastLive {
			live++
			require.Equal(t, second.ID, b.ID)
		}
	}

	require.Equal(t, 1, live)
}

func TestSetCrossfaderInvalid(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, _, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	count := ff.count()

	_, err = m.SetCrossfader(broadcast.ID, -0.1)
	require.ErrorIs(t, err, ErrInvalidCrossfaderPosition)

	_, err = m.SetCrossfader(broadcast.ID, 1.1)
	require.ErrorIs(t, err, ErrInvalidCrossfaderPosition)

	// No rebuild happened.
	require.Equal(t, count, ff.count())
}

func TestSetCrossfaderRebuild(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, s, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	startTime := broadcast.Stats.StartTime
	count := ff.count()

	updated, err := m.SetCrossfader(broadcast.ID, 0.8)
	require.NoError(t, err)

	require.Equal(t, 0.8, updated.CrossfaderPosition)
	require.Equal(t, model.BroadcastLive, updated.Status)
	require.Equal(t, startTime, updated.Stats.StartTime)

	require.Equal(t, count+1, ff.count())

	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, 0.8, found.CrossfaderPosition)
}

func TestSetActiveDeckRebuild(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, _, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	updated, err := m.SetActiveDeck(broadcast.ID, model.DeckB)
	require.NoError(t, err)
	require.Equal(t, model.DeckB, updated.ActiveDeck)
	require.Equal(t, model.BroadcastLive, updated.Status)
}

func TestTransitionInProgress(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	once := sync.Once{}

	ff := &fakeFFmpeg{}
	ff.stop = func() {
		once.Do(func() {
			close(blocked)
			<-release
		})
	}

	m, _, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := m.SetCrossfader(broadcast.ID, 0.8)
		done <- err
	}()

	// Wait until the first rebuild is stuck in the teardown of the old
	// pipeline.
	select {
	case <-blocked:
	case <-time.After(time.Second):
		require.Fail(t, "rebuild did not start")
	}

	_, err = m.SetCrossfader(broadcast.ID, 0.2)
	require.ErrorIs(t, err, ErrTransitionInProgress)

	close(release)

	require.NoError(t, <-done)

	// After the first rebuild completed, the next one succeeds.
	_, err = m.SetCrossfader(broadcast.ID, 0.2)
	require.NoError(t, err)
}

func TestStopDuringRebuild(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	once := sync.Once{}

	ff := &fakeFFmpeg{}
	ff.stop = func() {
		once.Do(func() {
			close(blocked)
			<-release
		})
	}

	m, s, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	rebuildDone := make(chan error, 1)

	go func() {
		_, err := m.SetCrossfader(broadcast.ID, 0.8)
		rebuildDone <- err
	}()

	// Wait until the rebuild is stuck in the teardown of the old
	// pipeline.
	select {
	case <-blocked:
	case <-time.After(time.Second):
		require.Fail(t, "rebuild did not start")
	}

	stopDone := make(chan error, 1)

	go func() {
		stopDone <- m.Stop(broadcast.ID)
	}()

	// The stop has to wait for the rebuild instead of racing it.
	select {
	case <-stopDone:
		require.Fail(t, "stop did not wait for the rebuild")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	require.NoError(t, <-rebuildDone)
	require.NoError(t, <-stopDone)

	// The broadcast stays offline and no replacement pipeline survives.
	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, model.BroadcastOffline, found.Status)

	require.Equal(t, 0, ff.running())
}

func TestTransitionAfterStop(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, s, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	require.NoError(t, m.Stop(broadcast.ID))

	count := ff.count()

	// Moving the crossfader of a stopped broadcast changes the row
	// only.
	updated, err := m.SetCrossfader(broadcast.ID, 0.8)
	require.NoError(t, err)
	require.Equal(t, 0.8, updated.CrossfaderPosition)
	require.Equal(t, model.BroadcastOffline, updated.Status)

	require.Equal(t, count, ff.count())

	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, model.BroadcastOffline, found.Status)
}

type failingStore struct {
	store.Store

	liveErr error
}

func (s *failingStore) LiveBroadcastByDJ(djID string) (*model.Broadcast, error) {
	if s.liveErr != nil {
		return nil, s.liveErr
	}

	return s.Store.LiveBroadcastByDJ(djID)
}

func TestStartStoreFailure(t *testing.T) {
	s := &failingStore{
		Store:   store.NewMemory(),
		liveErr: errors.New("store is down"),
	}

	dj := model.NewDJ("alice", "alice@example.com")
	require.NoError(t, s.SaveDJ(dj))

	ff := &fakeFFmpeg{}

	m, err := New(Config{
		Store:          s,
		FFmpeg:         ff,
		IngestAddress:  "rtmp://localhost:1935/live",
		IsDeckReady:    func(key model.DeckKey) bool { return true },
		IsStreamActive: func(key model.DeckKey) bool { return true },
	})
	require.NoError(t, err)

	// A store failure must not let a second broadcast slip past the
	// single-live check.
	_, err = m.Start(dj.ID)
	require.ErrorContains(t, err, "store is down")
	require.Equal(t, 0, ff.count())
}

func TestStopBroadcast(t *testing.T) {
	ff := &fakeFFmpeg{}
	m, s, dj := setup(t, ff, true)

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	require.NoError(t, m.Stop(broadcast.ID))

	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, model.BroadcastOffline, found.Status)

	require.False(t, ff.last().IsRunning())

	// Idempotent.
	require.NoError(t, m.Stop(broadcast.ID))
}

func TestUnexpectedPipelineExit(t *testing.T) {
	ff := &fakeFFmpeg{}

	events := event.NewPubSub()
	defer events.Close()

	s := store.NewMemory()

	dj := model.NewDJ("alice", "alice@example.com")
	require.NoError(t, s.SaveDJ(dj))

	m, err := New(Config{
		Store:          s,
		FFmpeg:         ff,
		IngestAddress:  "rtmp://localhost:1935/live",
		IsDeckReady:    func(key model.DeckKey) bool { return true },
		IsStreamActive: func(key model.DeckKey) bool { return true },
		Events:         events,
	})
	require.NoError(t, err)

	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	broadcast, err := m.Start(dj.ID)
	require.NoError(t, err)

	ff.last().crash("failed")

	found, err := s.FindBroadcast(broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, model.BroadcastOffline, found.Status)

	deadline := time.After(time.Second)

	for {
		select {
		case e := <-ch:
			me, ok := e.(*event.MixerEvent)
			if !ok || me.Type != event.MixerError {
				continue
			}

			require.Equal(t, broadcast.ID, me.BroadcastID)
			require.Error(t, me.Error)

			return
		case <-deadline:
			require.Fail(t, "no mixer event received")
		}
	}
}
