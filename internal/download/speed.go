package download

import (
	"math"
	"time"
)

// SpeedTracker converts (time, bytes) samples into an exponentially smoothed throughput.
// It is owned by one task and mutated only under that task's lock.
type SpeedTracker struct {
	alpha         float64
	smoothedSpeed float64
	sampleCount   int
	lastTime      time.Time
	lastBytes     int64
	baselined     bool
}

// NewSpeedTracker creates a tracker with the given EMA weight
func NewSpeedTracker(alpha float64) *SpeedTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSpeedSmoothingFactor
	}
	return &SpeedTracker{alpha: alpha}
}

// RecordSample feeds the cumulative byte count observed at now and returns the smoothed speed.
// A sample that does not advance the clock or moves bytes backwards is ignored.
func (s *SpeedTracker) RecordSample(bytesSoFar int64, now time.Time) float64 {
	if !s.baselined {
		s.Rebaseline(bytesSoFar, now)
		return s.smoothedSpeed
	}

	timeDelta := now.Sub(s.lastTime).Seconds()
	bytesDelta := bytesSoFar - s.lastBytes
	if timeDelta <= 0 || bytesDelta < 0 {
		return s.smoothedSpeed
	}

	instant := float64(bytesDelta) / timeDelta
	if s.sampleCount == 0 {
		s.smoothedSpeed = instant
	} else {
		s.smoothedSpeed = s.alpha*instant + (1-s.alpha)*s.smoothedSpeed
	}
	s.sampleCount++
	s.lastTime = now
	s.lastBytes = bytesSoFar
	return s.smoothedSpeed
}

// Rebaseline moves the reference point without touching the estimate,
// so an idle interval (pause) is never counted as transfer time.
func (s *SpeedTracker) Rebaseline(bytesSoFar int64, now time.Time) {
	s.lastTime = now
	s.lastBytes = bytesSoFar
	s.baselined = true
}

// Speed returns the smoothed speed in bytes per second
func (s *SpeedTracker) Speed() float64 {
	return s.smoothedSpeed
}

// SampleCount returns the number of accepted samples
func (s *SpeedTracker) SampleCount() int {
	return s.sampleCount
}

// ETA estimates the time to transfer remaining bytes.
// It is unknown until minSamples samples were accepted.
func (s *SpeedTracker) ETA(remaining int64, minSamples int) (time.Duration, bool) {
	if s.sampleCount < minSamples || s.smoothedSpeed <= 0 || remaining < 0 {
		return 0, false
	}
	seconds := float64(remaining) / s.smoothedSpeed
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
