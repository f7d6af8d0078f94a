package mixer

import "math"

// Gains returns the audio gains for both decks at the given crossfader
// position. The curve is power-preserving, i.e. gainA^2 + gainB^2 = 1 at
// every position, so there is no perceived volume dip mid-fade.
func Gains(position float64) (gainA, gainB float64) {
	gainA = math.Cos(position * math.Pi / 2)
	gainB = math.Sin(position * math.Pi / 2)

	return
}

// ValidPosition returns whether the crossfader position is in [0,1].
func ValidPosition(position float64) bool {
	return position >= 0 && position <= 1
}
