package shared

import (
	"errors"
	"fmt"
	"time"
)

// Period identifies one calendar month, the billing and aggregation unit.
type Period struct {
	Year  int
	Month time.Month
}

var (
	// ErrInvalidPeriod indicates a malformed period key.
	ErrInvalidPeriod = errors.New("period key must be formatted YYYY-MM")
	// ErrInvalidCycleDay indicates a cycle day outside 1-31.
	ErrInvalidCycleDay = errors.New("cycle day must be between 1 and 31")
)

// ParsePeriod parses a YYYY-MM period key.
func ParsePeriod(key string) (Period, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String renders the canonical YYYY-MM key.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Next returns the following calendar month.
func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// Days returns the number of days in the period.
func (p Period) Days() int {
	return p.End().AddDate(0, 0, -1).Day()
}

// DueDate resolves a recurring cycle day against this period. Days past the
// month end clamp to the last day, so day 31 in April resolves to April 30
// and day 29 in a non-leap February to February 28. Total: every cycle day
// in 1-31 yields a valid date. Callers must validate the cycle day first.
func (p Period) DueDate(cycleDay int) time.Time {
	if last := p.Days(); cycleDay > last {
		cycleDay = last
	}
	return time.Date(p.Year, p.Month, cycleDay, 0, 0, 0, 0, time.UTC)
}

// ValidateCycleDay rejects cycle days outside the 1-31 range.
func ValidateCycleDay(day int) error {
	if day < 1 || day > 31 {
		return ErrInvalidCycleDay
	}
	return nil
}
