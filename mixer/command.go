package mixer

import (
	"fmt"
	"strings"

	"github.com/dejastream/core/model"
)

// Mode selects how the video of both decks is combined. The audio is an
// equal-power blend in both modes.
type Mode string

const (
	// ModeBlend overlays both frames with the crossfader position
	// driving the opacity of deck B.
	ModeBlend Mode = "blend"

	// ModeCut shows only the frame of the active deck.
	ModeCut Mode = "cut"
)

// ParseMode validates a mixing mode taken from the configuration.
func ParseMode(m string) (Mode, error) {
	switch Mode(m) {
	case ModeBlend:
		return ModeBlend, nil
	case ModeCut:
		return ModeCut, nil
	}

	return "", fmt.Errorf("invalid mixing mode: %s", m)
}

// pipelineSpec holds everything the command builder needs for one mixing
// pipeline.
type pipelineSpec struct {
	inputA   string
	inputB   string
	output   string
	position float64
	active   model.DeckType
	mode     Mode
}

// command builds the argument list for a mixing pipeline: read both deck
// feeds, combine them according to the mode and crossfader position,
// publish the result to the broadcast path. The parameters are baked into
// the filter graph, any change requires a rebuild.
func (spec pipelineSpec) command() []string {
	gainA, gainB := Gains(spec.position)

	graph := []string{}

	if spec.mode == ModeCut {
		video := 0
		if spec.active == model.DeckB {
			video = 1
		}

		graph = append(graph,
			fmt.Sprintf("[%d:v]scale=1280:720,setsar=1[vout]", video),
		)
	} else {
		graph = append(graph,
			"[0:v]scale=1280:720,setsar=1[va]",
			fmt.Sprintf("[1:v]scale=1280:720,setsar=1,format=yuva420p,colorchannelmixer=aa=%.4f[vb]", spec.position),
			"[va][vb]overlay[vout]",
		)
	}

	graph = append(graph,
		fmt.Sprintf("[0:a]volume=%.4f[aa]", gainA),
		fmt.Sprintf("[1:a]volume=%.4f[ab]", gainB),
		"[aa][ab]amix=inputs=2:duration=longest[aout]",
	)

	return []string{
		"-i", spec.inputA,
		"-i", spec.inputB,
		"-filter_complex", strings.Join(graph, ";"),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-b:v", "3000k",
		"-maxrate", "3500k",
		"-bufsize", "7000k",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		spec.output,
	}
}
