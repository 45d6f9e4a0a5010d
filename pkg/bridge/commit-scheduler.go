package bridge

import "time"

// CommitScheduler decides when enough caller audio has been buffered
// upstream to be worth committing. Committing too little makes the model
// reject the buffer; the scheduler enforces a minimum accumulated duration
// before each commit.
type CommitScheduler struct {
	minCommit   time.Duration
	accumulated time.Duration
}

// NewCommitScheduler creates a scheduler that signals a commit once at least
// minCommit of audio has accumulated since the previous commit.
func NewCommitScheduler(minCommit time.Duration) *CommitScheduler {
	return &CommitScheduler{minCommit: minCommit}
}

// Add records one appended frame of the given duration and reports whether a
// commit is now due. A due result resets the accumulator, so the next frame
// starts a fresh window. Never due before any audio has been added.
func (c *CommitScheduler) Add(d time.Duration) bool {
	c.accumulated += d
	if c.accumulated < c.minCommit || c.accumulated == 0 {
		return false
	}
	c.accumulated = 0
	return true
}

// Pending returns the audio duration accumulated since the last commit.
func (c *CommitScheduler) Pending() time.Duration {
	return c.accumulated
}
