package market

import (
	"fmt"
	"time"
)

// Schedule models the exchange trading session. The competition tracks the
// Indian cash market: 09:15-15:30 IST, weekdays only.
type Schedule struct {
	loc        *time.Location
	openHour   int
	openMin    int
	closeHour  int
	closeMin   int
	closeSec   int
}

// NewISTSchedule returns the NSE/BSE equity session schedule.
func NewISTSchedule() (*Schedule, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, fmt.Errorf("loading IST timezone: %w", err)
	}
	return &Schedule{
		loc:       loc,
		openHour:  9,
		openMin:   15,
		closeHour: 15,
		closeMin:  30,
		closeSec:  30, // closing auction grace
	}, nil
}

// IsOpen reports whether the session is open at t.
func (s *Schedule) IsOpen(t time.Time) bool {
	open, _ := s.check(t)
	return open
}

// Status returns openness plus a human-readable reason for the status API.
func (s *Schedule) Status(t time.Time) (bool, string) {
	return s.check(t)
}

func (s *Schedule) check(t time.Time) (bool, string) {
	now := t.In(s.loc)

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, "Market closed on weekends"
	}

	open := time.Date(now.Year(), now.Month(), now.Day(), s.openHour, s.openMin, 0, 0, s.loc)
	close := time.Date(now.Year(), now.Month(), now.Day(), s.closeHour, s.closeMin, s.closeSec, 0, s.loc)

	switch {
	case now.Before(open):
		return false, fmt.Sprintf("Market opens at %02d:%02d IST. Current time: %s",
			s.openHour, s.openMin, now.Format("03:04 PM IST"))
	case now.After(close):
		return false, fmt.Sprintf("Market closed at %02d:%02d IST. Current time: %s",
			s.closeHour, s.closeMin, now.Format("03:04 PM IST"))
	default:
		return true, fmt.Sprintf("Market is open. Current time: %s", now.Format("03:04 PM IST"))
	}
}
