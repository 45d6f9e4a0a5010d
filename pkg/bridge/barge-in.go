package bridge

import "sync/atomic"

// BargeIn gates the one-time cancellation of the greeting. The first caller
// frame that arrives while the system is speaking should cut the system off;
// every later frame must not re-fire a cancel.
type BargeIn struct {
	fired atomic.Bool
}

// TryFire reports whether this is the first trigger. It flips the gate
// exactly once per call, no matter how many frames race on it.
func (b *BargeIn) TryFire() bool {
	return b.fired.CompareAndSwap(false, true)
}

// Fired reports whether the gate has already been triggered.
func (b *BargeIn) Fired() bool {
	return b.fired.Load()
}
