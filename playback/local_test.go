package playback

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/ffmpeg"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/process"

	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	command []string
	onExit  func(state string)

	running bool
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

func (p *fakeProc) crash(state string) {
	p.lock.Lock()
	p.running = false
	p.lock.Unlock()

	p.onExit(state)
}

type fakeFFmpeg struct {
	procs []*fakeProc
	lock  sync.Mutex
}

func (f *fakeFFmpeg) New(config ffmpeg.ProcessConfig) (process.Process, error) {
	p := &fakeProc{
		command: config.Command,
		onExit:  config.OnExit,
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

func (f *fakeFFmpeg) proc(i int) *fakeProc {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.procs[i]
}

func newLocal(t *testing.T, ff *fakeFFmpeg, events *event.PubSub) Backend {
	b, err := NewLocal(LocalConfig{
		Key:     model.DeckKey{DJID: "123", Type: model.DeckA},
		Address: "rtmp://localhost:1935/live/123/A",
		FFmpeg:  ff,
		Events:  events,
	})
	require.NoError(t, err)

	return b
}

func TestLocalPlayWithoutVideo(t *testing.T) {
	b := newLocal(t, &fakeFFmpeg{}, nil)

	require.ErrorIs(t, b.Play(), ErrNoVideoLoaded)
}

func TestLocalCommand(t *testing.T) {
	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, nil)

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)

	require.NoError(t, b.LoadVideo(video))
	require.NoError(t, b.Play())

	require.Equal(t, 1, ff.count())

	command := strings.Join(ff.proc(0).command, " ")

	require.Contains(t, command, "-re -stream_loop -1 -i /data/clip.mp4")
	require.Contains(t, command, "volume=1")
	require.Contains(t, command, "-f flv")
	require.True(t, strings.HasSuffix(command, "rtmp://localhost:1935/live/123/A"))
}

func TestLocalSupersede(t *testing.T) {
	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, nil)

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)
	require.NoError(t, b.LoadVideo(video))

	require.NoError(t, b.Play())
	require.NoError(t, b.Play())

	// The second play replaced the first pipeline.
	require.Equal(t, 2, ff.count())
	require.False(t, ff.proc(0).IsRunning())
	require.True(t, ff.proc(1).IsRunning())
}

func TestLocalSetVolume(t *testing.T) {
	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, nil)

	require.Error(t, b.SetVolume(-0.1))

	// Without a running pipeline the gain is only remembered.
	require.NoError(t, b.SetVolume(0.5))
	require.Equal(t, 0, ff.count())

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)
	require.NoError(t, b.LoadVideo(video))
	require.NoError(t, b.Play())

	command := strings.Join(ff.proc(0).command, " ")
	require.Contains(t, command, "volume=0.5")

	// Changing the gain of a running pipeline rebuilds it.
	require.NoError(t, b.SetVolume(0.8))
	require.Equal(t, 2, ff.count())

	command = strings.Join(ff.proc(1).command, " ")
	require.Contains(t, command, "volume=0.8")
}

func TestLocalStop(t *testing.T) {
	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, nil)

	// Stopping a stopped backend is a no-op.
	require.NoError(t, b.Stop())

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)
	require.NoError(t, b.LoadVideo(video))
	require.NoError(t, b.Play())

	require.NoError(t, b.Stop())
	require.False(t, ff.proc(0).IsRunning())
}

func collectDeckEvents(t *testing.T, ch <-chan event.Event, want event.DeckEventType) *event.DeckEvent {
	deadline := time.After(time.Second)

	for {
		select {
		case e := <-ch:
			de, ok := e.(*event.DeckEvent)
			if ok && de.Type == want {
				return de
			}
		case <-deadline:
			require.Fail(t, "no "+string(want)+" event received")
			return nil
		}
	}
}

func TestLocalMediaEnded(t *testing.T) {
	events := event.NewPubSub()
	defer events.Close()

	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, events)

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)
	require.NoError(t, b.LoadVideo(video))
	require.NoError(t, b.Play())

	// A clean exit that has not been requested means the media ended.
	ff.proc(0).crash("finished")

	e := collectDeckEvents(t, ch, event.DeckMediaEnded)
	require.Equal(t, model.DeckKey{DJID: "123", Type: model.DeckA}, e.Deck)
}

func TestLocalUnexpectedExit(t *testing.T) {
	events := event.NewPubSub()
	defer events.Close()

	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	ff := &fakeFFmpeg{}
	b := newLocal(t, ff, events)

	video := model.NewVideo("clip.mp4", "/data/clip.mp4", 10)
	require.NoError(t, b.LoadVideo(video))
	require.NoError(t, b.Play())

	ff.proc(0).crash("failed")

	e := collectDeckEvents(t, ch, event.DeckError)
	require.Error(t, e.Error)
}
