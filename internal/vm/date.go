package vm

import (
	"fmt"
	"strings"
	"time"
)

// DateValue is the immutable instant produced by the Date(...) builtin
// factory. Arithmetic is proleptic Gregorian; formatting uses the host's UTC
// conversion.
type DateValue struct {
	t time.Time
}

// NewDate interprets init as the factory does: absent for now, a millisecond
// timestamp, an ISO-8601 string, or another date.
func NewDate(init any) (*DateValue, error) {
	switch v := init.(type) {
	case nil:
		return &DateValue{t: time.Now().UTC()}, nil
	case *DateValue:
		return &DateValue{t: v.t}, nil
	case string:
		ms, err := parseDateString(v)
		if err != nil {
			return nil, err
		}
		return &DateValue{t: time.UnixMilli(ms).UTC()}, nil
	default:
		if ms, ok := toFloat(v); ok {
			return &DateValue{t: time.UnixMilli(int64(ms)).UTC()}, nil
		}
		return nil, fmt.Errorf("cannot construct Date from %T", init)
	}
}

func parseDateString(s string) (int64, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable date '%s'", s)
}

// Timestamp returns milliseconds since the epoch.
func (d *DateValue) Timestamp() int64 { return d.t.UnixMilli() }

func (d *DateValue) String() string {
	return d.t.UTC().Format(time.RFC3339)
}

// MarshalJSON serialises the date as an ISO-8601 string.
func (d *DateValue) MarshalJSON() ([]byte, error) {
	return marshalJSONValue(d.String())
}

// accessor resolves member access on a date; month is 1-based.
func (d *DateValue) accessor(name string) (any, bool) {
	t := d.t.UTC()
	switch name {
	case "year":
		return t.Year(), true
	case "month":
		return int(t.Month()), true
	case "day":
		return t.Day(), true
	case "hours":
		return t.Hour(), true
	case "minutes":
		return t.Minute(), true
	case "seconds":
		return t.Second(), true
	case "dayOfWeek":
		return int(t.Weekday()), true
	case "timestamp", "value":
		return float64(d.Timestamp()), true
	default:
		return nil, false
	}
}

func dateUnit(unit string) (time.Duration, bool) {
	switch unit {
	case "ms", "millisecond", "milliseconds":
		return time.Millisecond, true
	case "s", "second", "seconds":
		return time.Second, true
	case "m", "minute", "minutes":
		return time.Minute, true
	case "h", "hour", "hours":
		return time.Hour, true
	case "d", "day", "days":
		return 24 * time.Hour, true
	case "w", "week", "weeks":
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// callMethod dispatches an expression-level method call on the date.
func (d *DateValue) callMethod(name string, args []any) (any, error) {
	switch name {
	case "add":
		if len(args) < 2 {
			return nil, fmt.Errorf("add expects (amount, unit)")
		}
		amount, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("add expects a numeric amount")
		}
		unitName, _ := args[1].(string)
		switch unitName {
		case "month", "months":
			return &DateValue{t: d.t.AddDate(0, int(amount), 0)}, nil
		case "year", "years":
			return &DateValue{t: d.t.AddDate(int(amount), 0, 0)}, nil
		}
		unit, ok := dateUnit(unitName)
		if !ok {
			return nil, fmt.Errorf("unknown date unit '%s'", unitName)
		}
		return &DateValue{t: d.t.Add(time.Duration(amount * float64(unit)))}, nil
	case "diff":
		if len(args) < 1 {
			return nil, fmt.Errorf("diff expects another date")
		}
		other, err := NewDate(args[0])
		if err != nil {
			return nil, err
		}
		unit := time.Millisecond
		if len(args) > 1 {
			unitName, _ := args[1].(string)
			u, ok := dateUnit(unitName)
			if !ok {
				return nil, fmt.Errorf("unknown date unit '%s'", unitName)
			}
			unit = u
		}
		return float64(d.t.Sub(other.t)) / float64(unit), nil
	case "format":
		layout := "YYYY-MM-DD"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				layout = s
			}
		}
		return d.format(layout), nil
	case "isBefore":
		other, err := dateArg(name, args)
		if err != nil {
			return nil, err
		}
		return d.t.Before(other.t), nil
	case "isAfter":
		other, err := dateArg(name, args)
		if err != nil {
			return nil, err
		}
		return d.t.After(other.t), nil
	case "toJSON", "toString":
		return d.String(), nil
	default:
		return nil, fmt.Errorf("'%s' is not a Date method", name)
	}
}

func dateArg(method string, args []any) (*DateValue, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%s expects a date", method)
	}
	return NewDate(args[0])
}

// format expands a token layout (YYYY, MM, DD, HH, mm, ss) against UTC.
func (d *DateValue) format(layout string) string {
	t := d.t.UTC()
	r := strings.NewReplacer(
		"YYYY", fmt.Sprintf("%04d", t.Year()),
		"MM", fmt.Sprintf("%02d", int(t.Month())),
		"DD", fmt.Sprintf("%02d", t.Day()),
		"HH", fmt.Sprintf("%02d", t.Hour()),
		"mm", fmt.Sprintf("%02d", t.Minute()),
		"ss", fmt.Sprintf("%02d", t.Second()),
	)
	return r.Replace(layout)
}
