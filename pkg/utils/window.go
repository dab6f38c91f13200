package utils

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window represents a sliding window of float64 values with associated weights.
// It supports various statistical operations on the windowed data.
type Window struct {
	data      []float64
	weights   []float64
	size      int
	nextIndex int
	full      bool
}

// NewWindow creates a new Window with the specified size.
// All weights are initialized to 1.0.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	weights := make([]float64, size)
	for i := 0; i < size; i++ {
		weights[i] = 1
	}
	return &Window{
		data:    make([]float64, size),
		weights: weights,
		size:    size,
	}
}

// getData returns the current data in the window.
// If the window is not full, it returns only the populated portion.
func (w *Window) getData() []float64 {
	if w.full {
		return w.data
	}
	return w.data[:w.nextIndex]
}

func (w *Window) getWeights() []float64 {
	if w.full {
		return w.weights
	}
	return w.weights[:w.nextIndex]
}

// Len returns the number of populated values.
func (w *Window) Len() int {
	return len(w.getData())
}

// Full reports whether every slot holds a value.
func (w *Window) Full() bool {
	return w.full
}

// Max returns the maximum value in the window.
func (w *Window) Max() float64 {
	data := w.getData()
	if len(data) == 0 {
		return 0
	}
	m := math.Inf(-1)
	for _, f := range data {
		m = math.Max(m, f)
	}
	return m
}

// Min returns the minimum value in the window.
func (w *Window) Min() float64 {
	data := w.getData()
	if len(data) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, f := range data {
		m = math.Min(m, f)
	}
	return m
}

// Mean returns the weighted mean of the values in the window.
func (w *Window) Mean() float64 {
	if w.Len() == 0 {
		return 0
	}
	return stat.Mean(w.getData(), w.getWeights())
}

// StdDev returns the weighted standard deviation of the values in the window.
func (w *Window) StdDev() float64 {
	if w.Len() < 2 {
		return 0
	}
	return stat.StdDev(w.getData(), w.getWeights())
}

// Insert adds a new value to the window.
// The window operates as a circular buffer, overwriting the oldest value when full.
func (w *Window) Insert(v float64) {
	w.data[w.nextIndex] = v
	w.nextIndex = (w.nextIndex + 1) % w.size
	if !w.full && w.nextIndex == 0 {
		w.full = true
	}
}

// LastInserted returns the last value inserted into the window
func (w *Window) LastInserted() float64 {
	lastIndex := w.nextIndex - 1
	if lastIndex < 0 {
		lastIndex = w.size - 1
	}
	return w.data[lastIndex]
}

// Reset empties the window.
func (w *Window) Reset() {
	w.nextIndex = 0
	w.full = false
}

// RetrainHistory remembers when the last retrains of a link happened.
// A link is flapping when the window is full and its oldest entry is no
// older than Interval.
type RetrainHistory struct {
	window *Window
	// gaps holds the seconds between consecutive retrains
	gaps     *Window
	interval time.Duration
	now      func() time.Time
}

// NewRetrainHistory ...
func NewRetrainHistory(threshold int, interval time.Duration) *RetrainHistory {
	return &RetrainHistory{
		window:   NewWindow(threshold),
		gaps:     NewWindow(threshold),
		interval: interval,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (h *RetrainHistory) SetClock(now func() time.Time) {
	h.now = now
}

// Record adds a retrain at the current time and reports whether the link
// is now flapping.
func (h *RetrainHistory) Record() bool {
	ts := float64(h.now().UnixNano()) / float64(time.Second)
	if h.window.Len() > 0 {
		h.gaps.Insert(ts - h.window.LastInserted())
	}
	h.window.Insert(ts)
	return h.Flapping()
}

// Flapping ...
func (h *RetrainHistory) Flapping() bool {
	if !h.window.Full() || h.interval <= 0 {
		return false
	}
	return h.Span() <= h.interval
}

// Span is the time between the oldest and the newest recorded retrain.
func (h *RetrainHistory) Span() time.Duration {
	if h.window.Len() == 0 {
		return 0
	}
	return time.Duration((h.window.Max() - h.window.Min()) * float64(time.Second))
}

// MeanInterval is the average time between the recorded retrains, 0 with
// fewer than two.
func (h *RetrainHistory) MeanInterval() time.Duration {
	return time.Duration(h.gaps.Mean() * float64(time.Second))
}

// IntervalStdDev ...
func (h *RetrainHistory) IntervalStdDev() time.Duration {
	return time.Duration(h.gaps.StdDev() * float64(time.Second))
}

// Count ...
func (h *RetrainHistory) Count() int {
	return h.window.Len()
}

// Reset forgets every recorded retrain.
func (h *RetrainHistory) Reset() {
	h.window.Reset()
	h.gaps.Reset()
}
