// Package download intercepts new downloads, scores their filenames and
// drives each one through DETECTED -> SCORED -> RESUMED | CANCELLED. A
// download is resolved exactly once; any decision that arrives after
// resolution is discarded.
package download

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicate = errors.New("download: id already in flight")
	ErrNotFound  = errors.New("download: not found")
	ErrInvalid   = errors.New("download: id and filename are required")
)

// State is a download's position in the interception state machine.
type State string

const (
	StateDetected  State = "DETECTED"
	StateScored    State = "SCORED"
	StateResumed   State = "RESUMED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether s is a resolution state.
func (s State) Terminal() bool {
	return s == StateResumed || s == StateCancelled
}

// Outcome explains how a download was resolved. OutcomeAllowed downloads
// scored below the block threshold and were never paused.
type Outcome string

const (
	OutcomeAllowed           Outcome = "allowed"
	OutcomeDecidedBlock      Outcome = "blocked"
	OutcomeDecidedAllow      Outcome = "released"
	OutcomeFallbackCancelled Outcome = "fallback_cancelled"
	OutcomeFallbackResumed   Outcome = "fallback_resumed"
)

// Event is a newly determined download.
type Event struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Referrer string `json:"referrer,omitempty"`
}

// Download is the handle for one intercepted download.
type Download struct {
	ID       string
	Filename string
	URL      string

	mu      sync.Mutex
	state   State
	score   float64
	outcome Outcome
	paused  bool
	claimed bool
	expired bool
	done    chan struct{}
	created time.Time
}

func newDownload(ev Event, now time.Time) *Download {
	return &Download{
		ID:       ev.ID,
		Filename: ev.Filename,
		URL:      ev.URL,
		state:    StateDetected,
		done:     make(chan struct{}),
		created:  now,
	}
}

// State returns the current state.
func (d *Download) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Score returns the filename score. It is zero before SCORED.
func (d *Download) Score() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.score
}

// Outcome returns how the download was resolved, or "" while pending.
func (d *Download) Outcome() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// Paused reports whether the transfer was paused for a decision.
func (d *Download) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Done is closed once the download is resolved.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Snapshot is the serializable view of a Download.
type Snapshot struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	URL      string  `json:"url"`
	State    State   `json:"state"`
	Score    float64 `json:"score"`
	Paused   bool    `json:"paused"`
	Outcome  Outcome `json:"outcome,omitempty"`
}

// Snapshot returns a consistent copy of the handle.
func (d *Download) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:       d.ID,
		Filename: d.Filename,
		URL:      d.URL,
		State:    d.state,
		Score:    d.score,
		Paused:   d.paused,
		Outcome:  d.outcome,
	}
}

func (d *Download) scored(score float64, paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateScored
	d.score = score
	d.paused = paused
}

// resolve moves the download to its terminal state. Only the first call
// wins; it reports whether this call was the one.
func (d *Download) resolve(state State, outcome Outcome) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return false
	}
	d.state = state
	d.outcome = outcome
	close(d.done)
	return true
}

// claim reserves the download for a decider that is about to record a
// verdict. It fails once the download is resolved or its decision window
// has expired.
func (d *Download) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() || d.expired {
		return false
	}
	d.claimed = true
	return true
}

// expire closes the decision window to the decider. It fails when the
// decider already claimed the download, in which case its answer stands.
func (d *Download) expire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed {
		return false
	}
	d.expired = true
	return true
}
