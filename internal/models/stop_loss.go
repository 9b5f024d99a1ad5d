package models

import (
	"fmt"
	"strings"
	"time"
)

// DailyStopLossTable maps a weekday to the stop-loss percentage applied to a
// leg's entry price. Days not in the table use Default.
type DailyStopLossTable struct {
	ByDay   map[time.Weekday]float64
	Default float64
}

// DefaultStopLossTable is the stock weekday schedule.
func DefaultStopLossTable() DailyStopLossTable {
	return DailyStopLossTable{
		ByDay: map[time.Weekday]float64{
			time.Monday:    30,
			time.Tuesday:   32,
			time.Wednesday: 25,
			time.Thursday:  25,
			time.Friday:    27,
		},
		Default: 35,
	}
}

// PercentFor returns the stop-loss percent for the given weekday.
func (t DailyStopLossTable) PercentFor(day time.Weekday) float64 {
	if pct, ok := t.ByDay[day]; ok {
		return pct
	}
	return t.Default
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", name)
}
