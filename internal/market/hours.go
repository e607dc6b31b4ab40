// Package market classifies XAUUSD trading windows in UTC. Venue server
// time is EET but all published break/reopen times are stated in UTC, so
// every check here takes an explicit UTC instant to keep replay honest.
package market

import "time"

// Session volatility bands, highest during the London/NY overlap.
const (
	SessionAsia     = "Asia"
	SessionLondon   = "London"
	SessionLondonNY = "London_NY"
	SessionNY       = "NY"
	SessionOffHours = "Off_hours"
)

// SessionAt returns the session label for t.
// Asia 00-07, London 07-12, London_NY 12-16, NY 16-21, Off_hours 21-24 UTC.
func SessionAt(t time.Time) string {
	switch h := t.UTC().Hour(); {
	case h < 7:
		return SessionAsia
	case h < 12:
		return SessionLondon
	case h < 16:
		return SessionLondonNY
	case h < 21:
		return SessionNY
	default:
		return SessionOffHours
	}
}

// Volatility returns the expected volatility band for a session label.
func Volatility(session string) string {
	switch session {
	case SessionLondon:
		return "high"
	case SessionLondonNY:
		return "very_high"
	case SessionNY:
		return "medium"
	default:
		return "low"
	}
}

// IsWeekend reports the weekend close window: all of Saturday and Sunday
// plus Monday before 01:00 UTC (gold reopens around Monday 01:00 UTC).
func IsWeekend(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	case time.Monday:
		return t.Hour() < 1
	}
	return false
}

// IsDailyBreak reports the daily maintenance break, 23:45 to 01:00 UTC.
func IsDailyBreak(t time.Time) bool {
	t = t.UTC()
	h, m := t.Hour(), t.Minute()
	if h == 23 && m >= 45 {
		return true
	}
	return h < 1
}

// IsEODCloseZone reports whether t is past the end-of-day forced close
// time (resting orders get cancelled by the venue shortly after).
func IsEODCloseZone(t time.Time, closeHour, closeMin int) bool {
	t = t.UTC()
	if t.Hour() > closeHour {
		return true
	}
	return t.Hour() == closeHour && t.Minute() >= closeMin
}

// IsOpen reports whether the market is tradable at t: not weekend, not in
// the daily break.
func IsOpen(t time.Time) bool {
	return !IsWeekend(t) && !IsDailyBreak(t)
}

// MondayReopenWindow reports the post-weekend gap-risk window,
// Monday 01:00 to 03:00 UTC.
func MondayReopenWindow(t time.Time) bool {
	t = t.UTC()
	return t.Weekday() == time.Monday && t.Hour() >= 1 && t.Hour() < 3
}
