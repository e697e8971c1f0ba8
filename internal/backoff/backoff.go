package backoff

import "time"

// Strategy calculates the delay before the next attempt. attempt counts
// completed failures, starting at 1.
type Strategy interface {
	// Next calculates the delay before the given attempt
	Next(attempt int) time.Duration
}

// Exponential implements exponential backoff bounded by MaxDelay. A zero or
// negative MaxDelay means unbounded.
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Next implements Strategy.Next
func (s *Exponential) Next(attempt int) time.Duration {
	bounded := s.MaxDelay > 0

	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
		if bounded && delay >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if bounded && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Linear implements linear backoff: Delay, 2*Delay, 3*Delay, ...
type Linear struct {
	Delay time.Duration
}

// Next implements Strategy.Next
func (s *Linear) Next(attempt int) time.Duration {
	return time.Duration(attempt) * s.Delay
}
