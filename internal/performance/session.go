package performance

import (
	"fmt"
	"time"
)

// Session is a weekday exchange trading window in local time.
type Session struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// MOEXSession is the main MOEX equity session, 10:00 to 18:45 Moscow time.
func MOEXSession(loc *time.Location) Session {
	return Session{Location: loc, Open: 10 * time.Hour, Close: 18*time.Hour + 45*time.Minute}
}

// IsOpen reports whether orders may be placed at t, with a reason when they may not.
func (s Session) IsOpen(t time.Time) (bool, string) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, fmt.Sprintf("weekend (%s)", wd)
	}
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	since := local.Sub(midnight)
	window := fmt.Sprintf("%s-%s", clock(s.Open), clock(s.Close))
	switch {
	case since < s.Open:
		return false, fmt.Sprintf("before session open (%s, session %s)", local.Format("15:04"), window)
	case since > s.Close:
		return false, fmt.Sprintf("after session close (%s, session %s)", local.Format("15:04"), window)
	}
	return true, ""
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
