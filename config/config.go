// Package config holds the configuration of the engine. The defaults can
// be overridden from the environment, a .env file in the working
// directory is merged in first.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "CORE_"

// Data is the complete configuration.
type Data struct {
	RTMP struct {
		// Address the ingest gateway listens on.
		Address string `json:"address" validate:"required"`

		// Address of the companion HTTP status listener.
		HTTPAddress string `json:"http_address" validate:"required"`

		// App prefix of all publish paths.
		App string `json:"app" validate:"required,startswith=/"`
	} `json:"rtmp"`

	FFmpeg struct {
		Binary      string `json:"binary" validate:"required"`
		ProbeBinary string `json:"probe_binary"`
	} `json:"ffmpeg"`

	Store struct {
		// Path of the JSON state file. Empty keeps the state in
		// memory only.
		Filepath string `json:"filepath"`
	} `json:"store"`

	Playback struct {
		// Which backend drives the decks.
		Backend string `json:"backend" validate:"oneof=local compositor"`

		// Password of the remote compositor control connections.
		CompositorPassword string `json:"compositor_password"`
	} `json:"playback"`

	Mixer struct {
		Mode string `json:"mode" validate:"oneof=blend cut"`
	} `json:"mixer"`

	// Base of the control port allocation.
	PortBase int `json:"port_base" validate:"gte=1,lte=65535"`

	Log struct {
		Level string `json:"level" validate:"oneof=silent error warn info debug"`
	} `json:"log"`
}

// New returns the configuration defaults.
func New() *Data {
	d := &Data{}

	d.RTMP.Address = ":1935"
	d.RTMP.HTTPAddress = ":8000"
	d.RTMP.App = "/live"
	d.FFmpeg.Binary = "ffmpeg"
	d.FFmpeg.ProbeBinary = "ffprobe"
	d.Playback.Backend = "local"
	d.Mixer.Mode = "blend"
	d.PortBase = 4455
	d.Log.Level = "info"

	return d
}

// NewFromEnv returns the defaults merged with the environment. A .env
// file in the working directory is loaded first, real environment
// variables take precedence over it.
func NewFromEnv() *Data {
	godotenv.Load()

	d := New()

	env := func(name string, value *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*value = v
		}
	}

	env("RTMP_ADDRESS", &d.RTMP.Address)
	env("RTMP_HTTP_ADDRESS", &d.RTMP.HTTPAddress)
	env("RTMP_APP", &d.RTMP.App)
	env("FFMPEG_BINARY", &d.FFmpeg.Binary)
	env("FFPROBE_BINARY", &d.FFmpeg.ProbeBinary)
	env("STORE_FILEPATH", &d.Store.Filepath)
	env("PLAYBACK_BACKEND", &d.Playback.Backend)
	env("COMPOSITOR_PASSWORD", &d.Playback.CompositorPassword)
	env("MIXER_MODE", &d.Mixer.Mode)
	env("LOG_LEVEL", &d.Log.Level)

	if v, ok := os.LookupEnv(envPrefix + "PORT_BASE"); ok {
		if base, err := strconv.Atoi(v); err == nil {
			d.PortBase = base
		}
	}

	return d
}

// Validate checks the semantic constraints of the configuration.
func (d *Data) Validate() error {
	validate := validator.New()

	if err := validate.Struct(d); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		for _, e := range errs {
			return fmt.Errorf("invalid configuration: %s fails on '%s'", e.Namespace(), e.Tag())
		}
	}

	return nil
}
