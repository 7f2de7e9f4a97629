package panel

import (
	"fmt"
	"time"
)

// Month is a calendar month. The zero value means "no month".
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf truncates t to its calendar month.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// NewMonth returns the month for year y and month m (1-12).
func NewMonth(y int, m int) Month {
	return Month{Year: y, Month: time.Month(m)}
}

func (m Month) ordinal() int {
	return m.Year*12 + int(m.Month) - 1
}

func fromOrdinal(o int) Month {
	y := o / 12
	r := o % 12
	if r < 0 {
		r += 12
		y--
	}
	return Month{Year: y, Month: time.Month(r + 1)}
}

// Add returns the month n months after m (n may be negative).
func (m Month) Add(n int) Month {
	return fromOrdinal(m.ordinal() + n)
}

// Sub returns the number of months from o to m.
func (m Month) Sub(o Month) int {
	return m.ordinal() - o.ordinal()
}

// Before reports whether m is earlier than o.
func (m Month) Before(o Month) bool { return m.ordinal() < o.ordinal() }

// After reports whether m is later than o.
func (m Month) After(o Month) bool { return m.ordinal() > o.ordinal() }

// IsZero reports whether m is the zero month.
func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }

// Time returns the first instant of the month in UTC.
func (m Month) Time() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// String formats the month as YYYY-MM.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Date formats the first day of the month as YYYY-MM-DD.
func (m Month) Date() string {
	return m.Time().Format("2006-01-02")
}

// MarshalText encodes m as YYYY-MM-DD.
func (m Month) MarshalText() ([]byte, error) {
	if m.IsZero() {
		return []byte{}, nil
	}
	return []byte(m.Date()), nil
}

// UnmarshalText accepts YYYY-MM-DD or YYYY-MM.
func (m *Month) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*m = Month{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, string(b)); err == nil {
			*m = MonthOf(t)
			return nil
		}
	}
	return fmt.Errorf("invalid month %q", string(b))
}
