package device

import "time"

// Safety policy checks. Both are pure functions of (config, history, now) so
// they can be unit tested against an injected clock. Both are evaluated while
// the caller holds the device lock.

const cycleWindow = time.Hour

// cooldownRemaining returns how much of the mandatory idle period is left.
// Zero means the device may be turned on.
func cooldownRemaining(cooldown time.Duration, lastOff time.Time, now time.Time) time.Duration {
	if cooldown == 0 || lastOff.IsZero() {
		return 0
	}

	remaining := cooldown - now.Sub(lastOff)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// checkCooldown admits the turn-on or returns a CooldownError with the
// remaining wait.
func checkCooldown(cooldown time.Duration, lastOff time.Time, now time.Time) error {
	if remaining := cooldownRemaining(cooldown, lastOff, now); remaining > 0 {
		return &CooldownError{Remaining: remaining}
	}
	return nil
}

// cyclesInWindow counts turn-on entries newer than the trailing window.
func cyclesInWindow(r *ring, now time.Time) int {
	cutoff := now.Add(-cycleWindow)
	count := 0
	r.each(func(e Entry) {
		if e.Action == ActionOn && e.Timestamp.After(cutoff) {
			count++
		}
	})
	return count
}

// checkCycleLimit admits the turn-on or returns ErrCycleLimitExceeded when
// the trailing-hour budget is spent. A limit of zero disables the check.
func checkCycleLimit(maxPerHour int, r *ring, now time.Time) error {
	if maxPerHour == 0 {
		return nil
	}
	if cyclesInWindow(r, now) >= maxPerHour {
		return ErrCycleLimitExceeded
	}
	return nil
}
