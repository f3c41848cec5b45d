package openbanking

import (
	"time"

	"cloud.google.com/go/civil"
)

// DateWindow is an inclusive range of calendar dates.
type DateWindow struct {
	Start civil.Date
	End   civil.Date
}

// NewDateWindow returns the window ending today that covers historyDays days,
// with its start moved forward to the first of the next month unless it
// already falls on the first. The result always covers whole months before
// the current one.
func NewDateWindow(today civil.Date, historyDays int) DateWindow {
	if historyDays <= 0 {
		historyDays = 90
	}
	start := today.AddDays(-historyDays + 1)
	if start.Day != 1 {
		start = firstOfMonth(start)
		start = firstOfMonth(start.AddDays(31))
	}
	return DateWindow{Start: start, End: today}
}

// Today is the current calendar date in the local time zone.
func Today(now time.Time) civil.Date {
	return civil.DateOf(now.Local())
}

func firstOfMonth(d civil.Date) civil.Date {
	return civil.Date{Year: d.Year, Month: d.Month, Day: 1}
}
