package ffmpeg

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration runs ffprobe on the file and returns its duration in
// seconds.
func (f *ffmpeg) ProbeDuration(path string) (float64, error) {
	out, err := exec.Command(
		f.probeBinary,
		"-v", "error",
		"-show_format",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("failed to probe %s: %w", path, err)
	}

	p := probeFormat{}

	if err := json.Unmarshal(out, &p); err != nil {
		return 0, fmt.Errorf("failed to parse probe of %s: %w", path, err)
	}

	if len(p.Format.Duration) == 0 {
		return 0, fmt.Errorf("no duration found for %s", path)
	}

	duration, err := strconv.ParseFloat(p.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %s for %s: %w", p.Format.Duration, path, err)
	}

	return duration, nil
}
