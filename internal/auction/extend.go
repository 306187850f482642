package auction

import (
	"fmt"
	"time"
)

// ExtensionPolicy decides deadline extensions for late bids.
type ExtensionPolicy struct {
	// Window is how close to the end a bid must land to extend it.
	// Zero disables extensions.
	Window time.Duration
	// Duration is how far past the bid's arrival the new end is set.
	Duration time.Duration
	// Cap limits the number of extensions; nil means unbounded.
	Cap *int
}

// Extension is the result of applying an ExtensionPolicy.
type Extension struct {
	Extended bool
	End      time.Time
	Count    int
}

// Validate reports misconfigured policies.
func (p ExtensionPolicy) Validate() error {
	switch {
	case p.Window < 0:
		return fmt.Errorf("%w: extension window must not be negative", ErrInvalidSettings)
	case p.Duration < 0:
		return fmt.Errorf("%w: extension duration must not be negative", ErrInvalidSettings)
	case p.Window > 0 && p.Duration == 0:
		return fmt.Errorf("%w: extension duration must be positive when a window is set", ErrInvalidSettings)
	case p.Cap != nil && *p.Cap < 0:
		return fmt.Errorf("%w: extension cap must not be negative", ErrInvalidSettings)
	}
	return nil
}

// InWindow reports whether t lies in (end - Window, end].
func (p ExtensionPolicy) InWindow(end, t time.Time) bool {
	if p.Window <= 0 {
		return false
	}
	return t.After(end.Add(-p.Window)) && !t.After(end)
}

// CapReached reports whether no further extension may be granted.
func (p ExtensionPolicy) CapReached(count int) bool {
	return p.Cap != nil && count >= *p.Cap
}

// Apply decides whether a bid arriving at arrival extends an auction that
// currently ends at end after count extensions. The end never moves earlier.
func (p ExtensionPolicy) Apply(end time.Time, count int, arrival time.Time) (Extension, error) {
	if err := p.Validate(); err != nil {
		return Extension{}, err
	}
	ext := Extension{End: end, Count: count}
	if !p.InWindow(end, arrival) || p.CapReached(count) {
		return ext, nil
	}
	newEnd := arrival.Add(p.Duration)
	if !newEnd.After(end) {
		return ext, nil
	}
	return Extension{Extended: true, End: newEnd, Count: count + 1}, nil
}
