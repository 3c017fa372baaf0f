package upload

import (
	"sync"
	"time"
)

// Stats tracks request timings for logging.
type Stats struct {
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records an acknowledged chunk of n bytes that took d.
func (s *Stats) Update(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += n
	s.finishedChunks++
}

// Average returns the average request duration of acknowledged chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// Throughput returns acknowledged bytes per second of request time.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}

// FinishedCount returns the number of acknowledged chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// TotalDuration returns the sum of all request durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
