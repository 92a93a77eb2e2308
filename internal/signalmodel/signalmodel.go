// Package signalmodel simulates the satellite signal strength seen by the
// transceiver: a 0-5 bar value resampled at random intervals inside the
// bounds of a configured quality rating.
package signalmodel

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Quality Rating
// ============================================================================

// Rating bounds the signal strength the model may produce.
type Rating int

const (
	RatingNone Rating = iota
	RatingPoor
	RatingOK
	RatingGood
	RatingExcellent
	RatingRandom
)

var ratingNames = map[Rating]string{
	RatingNone:      "NONE",
	RatingPoor:      "POOR",
	RatingOK:        "OK",
	RatingGood:      "GOOD",
	RatingExcellent: "EXCELLENT",
	RatingRandom:    "RANDOM",
}

func (r Rating) String() string {
	if name, ok := ratingNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Rating(%d)", int(r))
}

// ParseRating converts a rating name (case-insensitive) to a Rating.
func ParseRating(s string) (Rating, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for r, name := range ratingNames {
		if name == upper {
			return r, nil
		}
	}
	return RatingNone, fmt.Errorf("unknown signal quality rating %q", s)
}

// Bounds returns the inclusive [min,max] signal strength for the rating.
func (r Rating) Bounds() (min, max int) {
	switch r {
	case RatingNone:
		return 0, 0
	case RatingPoor:
		return 0, 2
	case RatingOK:
		return 1, 2
	case RatingGood:
		return 3, 4
	case RatingExcellent:
		return 5, 5
	case RatingRandom:
		return 0, 5
	default:
		return 0, 0
	}
}

// ============================================================================
// Model
// ============================================================================

// Default resample interval bounds.
const (
	DefaultTickMin = 15 * time.Second
	DefaultTickMax = 60 * time.Second
)

// Rand is the subset of math/rand the model samples from. *rand.Rand
// satisfies it; callers sharing one source across goroutines supply a
// locked wrapper.
type Rand interface {
	Intn(n int) int
	Int63n(n int64) int64
}

// Model holds the current signal strength and resamples it on a jittered
// ticker. Strength changes are reported through the onChange callback; the
// callback runs on the ticker goroutine (or the caller's, for Force and
// SetRadioActive) and must not call back into the model.
type Model struct {
	rating Rating
	rnd    Rand

	// TickMin and TickMax bound the interval between resamples. Mutate only
	// before Start.
	TickMin time.Duration
	TickMax time.Duration

	mu          sync.Mutex
	current     int
	radioActive bool

	onChange func(int)

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a model with strength 1 and the radio active. onChange may be
// nil.
func New(rating Rating, rnd Rand, onChange func(int)) *Model {
	return &Model{
		rating:      rating,
		rnd:         rnd,
		TickMin:     DefaultTickMin,
		TickMax:     DefaultTickMax,
		current:     1,
		radioActive: true,
		onChange:    onChange,
		done:        make(chan struct{}),
	}
}

// Start runs one immediate resample and then loops until Stop, resampling
// after a random interval in [TickMin,TickMax] each round.
func (m *Model) Start() {
	go func() {
		m.tick()
		for {
			wait := m.TickMin
			if m.TickMax > m.TickMin {
				wait += time.Duration(m.rnd.Int63n(int64(m.TickMax-m.TickMin) + 1))
			}
			select {
			case <-m.done:
				return
			case <-time.After(wait):
				m.tick()
			}
		}
	}()
}

// Stop cancels the resample loop. Idempotent.
func (m *Model) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Current returns the current signal strength.
func (m *Model) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Rating returns the configured quality rating.
func (m *Model) Rating() Rating {
	return m.rating
}

// Force pins the signal strength to v, firing onChange if it differs from
// the current value.
func (m *Model) Force(v int) {
	m.mu.Lock()
	changed := v != m.current
	m.current = v
	m.mu.Unlock()
	if changed && m.onChange != nil {
		m.onChange(v)
	}
}

// SetRadioActive toggles radio activity. While inactive the strength is
// pinned to 0; re-enabling resamples immediately.
func (m *Model) SetRadioActive(active bool) {
	m.mu.Lock()
	m.radioActive = active
	m.mu.Unlock()
	if active {
		m.tick()
	} else {
		m.Force(0)
	}
}

// RadioActive reports whether the radio is active.
func (m *Model) RadioActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.radioActive
}

// tick resamples the signal strength inside the rating bounds.
func (m *Model) tick() {
	m.mu.Lock()
	min, max := m.rating.Bounds()
	if !m.radioActive {
		min, max = 0, 0
	}
	next := min
	if max > min {
		next = min + m.rnd.Intn(max-min+1)
	}
	changed := next != m.current
	m.current = next
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange(next)
	}
}
