package ws

import "time"

// commandLimiter is a sliding-window limiter for subscription-change
// commands. It is only touched from the connection's readPump, so it needs
// no locking.
type commandLimiter struct {
	max     int
	window  time.Duration
	times   []time.Time
	strikes int
}

func newCommandLimiter(max int, window time.Duration) *commandLimiter {
	return &commandLimiter{max: max, window: window}
}

// Allow records one command at now and reports whether it is within the
// limit. Rejections accumulate strikes; Strikes never resets, a connection
// that keeps hammering gets closed by its owner.
func (l *commandLimiter) Allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}
	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if len(l.times) >= l.max {
		l.strikes++
		return false
	}
	l.times = append(l.times, now)
	return true
}

func (l *commandLimiter) Strikes() int {
	return l.strikes
}
