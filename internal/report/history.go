package report

import "sync"

// ExitSample is a compact copy of a Result kept for quick diagnosis of crash
// loops without log diving.
type ExitSample struct {
	Launch   int     `json:"launch"`
	PID      int     `json:"pid"`
	ExitCode int     `json:"exit_code"`
	Reason   string  `json:"reason"`
	Signal   string  `json:"signal,omitempty"`
	Duration float64 `json:"duration_seconds"`
	EndedAt  string  `json:"ended_at"`
}

// History maintains a ring buffer of recent worker exits (last N)
type History struct {
	samples []ExitSample
	maxSize int
	mu      sync.RWMutex
}

// NewHistory creates a history with fixed size
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &History{
		samples: make([]ExitSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample (ring buffer)
func (h *History) Record(r *Result) {
	sample := ExitSample{
		Launch:   r.Launch,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Reason:   string(r.Reason),
		Signal:   r.Signal,
		Duration: r.Duration.Seconds(),
		EndedAt:  r.EndTime.UTC().Format("2006-01-02T15:04:05Z"),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Ring buffer: if full, drop oldest
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, sample)
}

// Recent returns up to n samples, newest first
func (h *History) Recent(n int) []ExitSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.samples) {
		n = len(h.samples)
	}

	result := make([]ExitSample, n)
	for i := 0; i < n; i++ {
		result[i] = h.samples[len(h.samples)-1-i]
	}
	return result
}

// Count returns how many samples are held
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}
