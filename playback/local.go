package playback

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dejastream/core/event"
	"github.com/dejastream/core/ffmpeg"
	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
	"github.com/dejastream/core/process"
)

// LocalConfig is the configuration for a local ffmpeg playback backend.
type LocalConfig struct {
	// The deck this backend plays for.
	Key model.DeckKey

	// The RTMP address the feed is published to, e.g.
	// "rtmp://localhost:1935/live/{djId}/{deckType}".
	Address string

	// The ffmpeg binary wrapper used to spawn the pipeline.
	FFmpeg ffmpeg.FFmpeg

	// Wait this long after the terminate signal before force-killing
	// the pipeline. Optional.
	KillTimeout time.Duration

	// Events receives the DeckEvents of this backend. Optional.
	Events *event.PubSub

	// Logger. Optional.
	Logger log.Logger
}

// local is a playback backend that spawns a local ffmpeg process which
// loops the video file at its native rate and publishes it to the deck's
// ingest path. The audio gain is baked into the filter graph, changing it
// requires a restart of the pipeline.
type local struct {
	key         model.DeckKey
	address     string
	ffmpeg      ffmpeg.FFmpeg
	killTimeout time.Duration
	events      *event.PubSub
	logger      log.Logger

	video  *model.Video
	volume float64
	proc   process.Process

	// playing tells the exit callback whether an exit was requested.
	// It is the only field the callback reads.
	playing     bool
	playingLock sync.Mutex
}

// NewLocal creates a local ffmpeg playback backend for a deck.
func NewLocal(config LocalConfig) (Backend, error) {
	if config.FFmpeg == nil {
		return nil, fmt.Errorf("no ffmpeg wrapper given")
	}

	if len(config.Address) == 0 {
		return nil, fmt.Errorf("no publish address given")
	}

	b := &local{
		key:         config.Key,
		address:     config.Address,
		ffmpeg:      config.FFmpeg,
		killTimeout: config.KillTimeout,
		events:      config.Events,
		logger:      config.Logger,
		volume:      1.0,
	}

	if b.logger == nil {
		b.logger = log.New("")
	}

	b.logger = b.logger.WithComponent("Playback").WithField("deck", b.key.String())

	return b, nil
}

func (b *local) Connect() error {
	// A local pipeline doesn't maintain a persistent connection.
	b.emit(event.DeckConnected, nil)

	return nil
}

func (b *local) IsConnected() bool {
	return true
}

func (b *local) LoadVideo(video *model.Video) error {
	b.video = video

	b.logger.Info().WithField("video", video.ID).Log("Video loaded")

	e := event.NewDeckEvent(event.DeckVideoLoaded, b.key)
	e.VideoID = video.ID
	b.publish(e)

	return nil
}

func (b *local) Play() error {
	if b.video == nil {
		return ErrNoVideoLoaded
	}

	// Supersede a running pipeline.
	b.shutdown()

	proc, err := b.ffmpeg.New(ffmpeg.ProcessConfig{
		Command:     b.command(),
		KillTimeout: b.killTimeout,
		OnExit:      b.onExit,
		Logger:      b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create playback pipeline: %w", err)
	}

	b.setPlaying(true)
	b.proc = proc

	if err := proc.Start(); err != nil {
		b.setPlaying(false)
		b.proc = nil

		return fmt.Errorf("failed to start playback pipeline: %w", err)
	}

	b.emit(event.DeckPlaybackStarted, nil)

	return nil
}

func (b *local) Stop() error {
	if b.proc == nil {
		return nil
	}

	b.shutdown()

	b.emit(event.DeckPlaybackStopped, nil)

	return nil
}

func (b *local) SetVolume(volume float64) error {
	if volume < 0 {
		return fmt.Errorf("invalid volume %f, must not be negative", volume)
	}

	b.volume = volume

	// A running pipeline has the gain baked in and has to be rebuilt.
	if b.proc != nil && b.proc.IsRunning() {
		return b.Play()
	}

	return nil
}

// PID returns the process id of the running pipeline, or -1.
func (b *local) PID() int32 {
	if b.proc == nil {
		return -1
	}

	return b.proc.Status().PID
}

func (b *local) Close() {
	b.shutdown()

	b.emit(event.DeckDisconnected, nil)
}

// shutdown stops the running pipeline, if any, and waits for it to exit.
func (b *local) shutdown() {
	proc := b.proc
	if proc == nil {
		return
	}

	b.setPlaying(false)
	b.proc = nil

	proc.Stop(true)
}

func (b *local) setPlaying(playing bool) {
	b.playingLock.Lock()
	defer b.playingLock.Unlock()

	b.playing = playing
}

// onExit is called whenever the pipeline exits. An exit that has not been
// requested means either the media ended (clean exit) or the pipeline
// failed.
func (b *local) onExit(state string) {
	b.playingLock.Lock()
	unexpected := b.playing
	b.playing = false
	b.playingLock.Unlock()

	if !unexpected {
		return
	}

	if state == "finished" {
		b.logger.Info().Log("Media ended")
		b.emit(event.DeckMediaEnded, nil)

		return
	}

	err := fmt.Errorf("playback pipeline exited with state %s", state)
	b.logger.WithError(err).Error().Log("Playback failed")
	b.emit(event.DeckError, err)
}

func (b *local) emit(t event.DeckEventType, err error) {
	e := event.NewDeckEvent(t, b.key)
	e.Error = err

	b.publish(e)
}

func (b *local) publish(e *event.DeckEvent) {
	if b.events == nil {
		return
	}

	b.events.Publish(e)
}

// command builds the argument list for the playback pipeline: loop the
// file endlessly at its native frame rate, transcode to a baseline H.264
// FLV stream with the configured audio gain, publish to the deck's ingest
// path.
func (b *local) command() []string {
	return []string{
		"-re",
		"-stream_loop", "-1",
		"-i", b.video.Path,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-vsync", "passthrough",
		"-copyts",
		"-start_at_zero",
		"-thread_queue_size", "512",
		"-probesize", "10M",
		"-analyzeduration", "10M",
		"-b:v", "2500k",
		"-maxrate", "3000k",
		"-bufsize", "6000k",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		"-filter:a", "volume=" + strconv.FormatFloat(b.volume, 'f', -1, 64),
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		b.address,
	}
}
