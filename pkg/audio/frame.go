package audio

import "time"

// Direction tags which way a frame is travelling through the bridge.
type Direction int

const (
	// Inbound frames flow from the telephone leg toward the AI leg.
	Inbound Direction = iota
	// Outbound frames flow from the AI leg toward the telephone leg.
	Outbound
)

// String returns the direction label used in logs and metrics.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Frame is an immutable buffer of PCM16 samples at a known sample rate.
// A frame is produced by the codec, consumed once, and never mutated.
type Frame struct {
	Samples   []int16
	Rate      int
	Direction Direction
}

// Empty reports whether the frame carries no audio.
func (f Frame) Empty() bool { return len(f.Samples) == 0 }

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate)
}
