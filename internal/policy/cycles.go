// Package policy holds the two bounded-repetition rules of the controller:
// round-trip limits between a producer and a verifier, and transient
// failure retries against external collaborators.
package policy

import (
	"errors"
	"fmt"
)

const DefaultMaxCycles = 3

var ErrLimitExceeded = errors.New("round-trip limit exceeded")

// RoundTrip bounds how many verifier attempts one issue may consume. The
// counter equals the number of attempts started.
type RoundTrip struct {
	Max int
}

func (p RoundTrip) max() int {
	if p.Max <= 0 {
		return DefaultMaxCycles
	}
	return p.Max
}

// CanStart reports whether another attempt fits in the budget.
func (p RoundTrip) CanStart(count int) bool {
	return count < p.max()
}

// Next returns the counter value for the attempt about to start.
func (p RoundTrip) Next(count int) (int, error) {
	if !p.CanStart(count) {
		return count, fmt.Errorf("%w: %d of %d attempts used", ErrLimitExceeded, count, p.max())
	}
	return count + 1, nil
}

// Exhausted reports whether a rejection at count must escalate instead of
// looping back to the producer.
func (p RoundTrip) Exhausted(count int) bool {
	return !p.CanStart(count)
}
