// Package ffmpeg provides access to the local media transcode binary. It
// verifies the binary at startup and acts as factory for the playback and
// mixing processes.
package ffmpeg

import (
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/dejastream/core/log"
	"github.com/dejastream/core/process"

	"github.com/Masterminds/semver/v3"
)

// Only ffmpeg versions from this range are known to support the filter
// graphs the mixer builds.
const versionConstraint = ">= 4.1.0"

type FFmpeg interface {
	// New creates a new, not yet started process from the config.
	New(config ProcessConfig) (process.Process, error)

	// ProbeDuration returns the duration of the media file in seconds.
	ProbeDuration(path string) (float64, error)

	// Binary returns the resolved path of the ffmpeg binary.
	Binary() string

	// Version returns the version of the ffmpeg binary.
	Version() string
}

// ProcessConfig is the configuration for a single transcode process.
type ProcessConfig struct {
	Command        []string
	Reconnect      bool
	ReconnectDelay time.Duration
	KillTimeout    time.Duration
	OnLine         func(line string)
	OnStart        func()
	OnExit         func(state string)
	Logger         log.Logger
}

// Config is the configuration for the ffmpeg binary.
type Config struct {
	Binary      string // Path or name of the ffmpeg binary.
	ProbeBinary string // Path or name of the ffprobe binary. Optional, defaults to "ffprobe".
}

type ffmpeg struct {
	binary      string
	probeBinary string
	version     string
}

// New resolves and verifies the ffmpeg binary. An unusable or too old
// binary is rejected.
func New(config Config) (FFmpeg, error) {
	f := &ffmpeg{}

	binary, err := exec.LookPath(config.Binary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffmpeg binary given: %w", err)
	}

	f.binary = binary

	probeBinary := config.ProbeBinary
	if len(probeBinary) == 0 {
		probeBinary = "ffprobe"
	}

	f.probeBinary, err = exec.LookPath(probeBinary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffprobe binary given: %w", err)
	}

	version, err := version(f.binary)
	if err != nil {
		return nil, err
	}

	f.version = version.String()

	constraint, _ := semver.NewConstraint(versionConstraint)
	if !constraint.Check(version) {
		return nil, fmt.Errorf("unsupported ffmpeg version %s (want %s)", f.version, versionConstraint)
	}

	return f, nil
}

var versionExp = regexp.MustCompile(`ffmpeg version ([0-9]+\.[0-9]+(?:\.[0-9]+)?)`)

// version asks the binary for its version.
func version(binary string) (*semver.Version, error) {
	out, err := exec.Command(binary, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to execute ffmpeg binary: %w", err)
	}

	matches := versionExp.FindSubmatch(out)
	if matches == nil {
		return nil, fmt.Errorf("failed to detect ffmpeg version")
	}

	v, err := semver.NewVersion(string(matches[1]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ffmpeg version %s: %w", matches[1], err)
	}

	return v, nil
}

func (f *ffmpeg) New(config ProcessConfig) (process.Process, error) {
	return process.New(process.Config{
		Binary:         f.binary,
		Args:           config.Command,
		Reconnect:      config.Reconnect,
		ReconnectDelay: config.ReconnectDelay,
		KillTimeout:    config.KillTimeout,
		OnLine:         config.OnLine,
		OnStart:        config.OnStart,
		OnExit:         config.OnExit,
		Logger:         config.Logger,
	})
}

func (f *ffmpeg) Binary() string {
	return f.binary
}

func (f *ffmpeg) Version() string {
	return f.version
}
