package risk

import (
	"math"
	"time"
)

type sample struct {
	value float64
	at    time.Time
}

// Window is a bounded rolling window of trade-outcome observations used for
// anomaly detection. Not safe for concurrent use; callers hold the owning
// breaker's lock.
type Window struct {
	maxAge     time.Duration
	maxSamples int
	samples    []sample
}

// NewWindow creates a window retaining samples up to maxAge old, capped at
// maxSamples entries.
func NewWindow(maxAge time.Duration, maxSamples int) *Window {
	if maxSamples <= 0 {
		maxSamples = 4096
	}
	return &Window{maxAge: maxAge, maxSamples: maxSamples}
}

// Add records an observation.
func (w *Window) Add(value float64, at time.Time) {
	w.evict(at)
	w.samples = append(w.samples, sample{value: value, at: at})
	if len(w.samples) > w.maxSamples {
		w.samples = w.samples[len(w.samples)-w.maxSamples:]
	}
}

func (w *Window) evict(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int { return len(w.samples) }

// Mean returns the average of retained samples.
func (w *Window) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range w.samples {
		sum += s.value
	}
	return sum / float64(len(w.samples))
}

// StdDev returns the population standard deviation of retained samples.
func (w *Window) StdDev() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	mean := w.Mean()
	sum := 0.0
	for _, s := range w.samples {
		d := s.value - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// ZScore returns how many standard deviations v sits from the window mean.
// ok is false when the window has too few samples or near-constant values.
func (w *Window) ZScore(v float64, minSamples int) (float64, bool) {
	if len(w.samples) < minSamples {
		return 0, false
	}
	std := w.StdDev()
	if std < 1e-9 {
		return 0, false
	}
	return (v - w.Mean()) / std, true
}
