// Package markethours answers whether the NSE cash market is trading at a
// given time (9:15–15:30 IST, Mon–Fri, excluding exchange holidays). The
// dashboard surfaces this next to instance health so an idle engine outside
// market hours is not mistaken for a stuck one.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours.
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(ist)
}

// NextOpen returns the next market open time. If t is before today's open
// on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays plus weekends never span further
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// Status is the market session summary embedded in API responses.
type Status struct {
	Open     bool      `json:"open"`
	Label    string    `json:"label"`
	NextOpen time.Time `json:"next_open,omitempty"`
	Close    time.Time `json:"close,omitempty"`
}

// StatusAt builds the session summary for t.
func StatusAt(t time.Time) Status {
	if IsMarketOpen(t) {
		closeAt := TodayClose(t)
		return Status{
			Open:  true,
			Label: fmt.Sprintf("Market Open — closes in %s", fmtDur(closeAt.Sub(t.In(IST)))),
			Close: closeAt,
		}
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return Status{
		Open: false,
		Label: fmt.Sprintf("Market Closed — opens %s %s (%s)",
			ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t))),
		NextOpen: next,
	}
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
