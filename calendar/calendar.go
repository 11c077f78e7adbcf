// Package calendar computes business-day aware deadlines. Weekends and
// configured public holidays are not business days.
package calendar

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar is immutable after construction and safe for concurrent use.
type Calendar struct {
	holidays map[string]string
}

// Holiday is a single non-business date.
type Holiday struct {
	Date time.Time
	Name string
}

// New builds a calendar that treats the given dates as holidays. Only the
// year, month and day of each date are considered.
func New(holidays ...Holiday) *Calendar {
	c := &Calendar{holidays: make(map[string]string, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Date.Format(dateLayout)] = h.Name
	}
	return c
}

// IsBusinessDay reports whether t falls on a weekday that is not a holiday,
// evaluated in t's location.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c == nil {
		return true
	}
	_, holiday := c.holidays[t.Format(dateLayout)]
	return !holiday
}

// AddBusinessDays returns the instant n business days after t, keeping the
// time of day. A non-positive n returns t unchanged.
func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	out := t
	for n > 0 {
		out = out.AddDate(0, 0, 1)
		if c.IsBusinessDay(out) {
			n--
		}
	}
	return out
}

// BusinessDaysBetween counts business days d with from < d <= to, comparing
// calendar dates only. It returns 0 when to is not after from.
func (c *Calendar) BusinessDaysBetween(from, to time.Time) int {
	from = truncateDay(from)
	to = truncateDay(to.In(from.Location()))
	count := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.IsBusinessDay(d) {
			count++
		}
	}
	return count
}

// Holidays returns the configured holidays ordered by date.
func (c *Calendar) Holidays() []Holiday {
	if c == nil {
		return nil
	}
	out := make([]Holiday, 0, len(c.holidays))
	for date, name := range c.holidays {
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			continue
		}
		out = append(out, Holiday{Date: d, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
