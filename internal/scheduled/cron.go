package scheduled

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronExpr is a parsed five-field cron expression: minute hour
// day-of-month month day-of-week. No vendored cron parser exists in
// the dependency set this module draws from, so this implements the
// standard subset (*, lists, ranges, steps) directly against the
// stdlib time package.
type cronExpr struct {
	minute, hour, dom, month, dow fieldSet
}

// fieldSet is the set of allowed values for one cron field.
type fieldSet map[int]struct{}

func (f fieldSet) has(v int) bool {
	_, ok := f[v]
	return ok
}

var fieldBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

func parseCron(expr string) (*cronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	sets := make([]fieldSet, 5)
	for i, f := range fields {
		set, err := parseField(f, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron field %d (%q): %w", i, f, err)
		}
		sets[i] = set
	}

	return &cronExpr{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

// parseField parses one comma-separated cron field into the set of
// values it matches, honoring "*", "a-b", "*/n", "a-b/n" and plain
// integers.
func parseField(f string, min, max int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(f, ",") {
		step := 1
		base := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			base = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step %q", part[idx+1:])
			}
			step = s
		}

		var lo, hi int
		switch {
		case base == "*":
			lo, hi = min, max
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range %q", base)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("value out of range [%d,%d]: %q", min, max, base)
		}
		for v := lo; v <= hi; v += step {
			set[v] = struct{}{}
		}
	}
	return set, nil
}

// maxCronLookahead bounds the brute-force search so a malformed or
// impossible expression (e.g. Feb 30) returns promptly instead of
// scanning forever.
const maxCronLookahead = 4 * 366 * 24 * 60 // ~4 years of minutes

// next returns the first minute-aligned instant strictly after `after`
// that matches the expression.
func (c *cronExpr) next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronLookahead; i++ {
		if c.matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

func (c *cronExpr) matches(t time.Time) bool {
	if !c.minute.has(t.Minute()) {
		return false
	}
	if !c.hour.has(t.Hour()) {
		return false
	}
	if !c.month.has(int(t.Month())) {
		return false
	}
	// Standard cron: if both dom and dow are restricted (not "*"),
	// a match on either is sufficient. Detected here by full-range size.
	domIsAny := len(c.dom) == fieldBounds[2][1]-fieldBounds[2][0]+1
	dowIsAny := len(c.dow) == fieldBounds[4][1]-fieldBounds[4][0]+1

	domMatch := c.dom.has(t.Day())
	dowMatch := c.dow.has(int(t.Weekday()))

	switch {
	case domIsAny && dowIsAny:
		return true
	case domIsAny:
		return dowMatch
	case dowIsAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
