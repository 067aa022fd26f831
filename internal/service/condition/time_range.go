package condition

import (
	"fmt"
	"strings"
	"time"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

const (
	TypeTimeRange = "time_range"
	TypeWeekday   = "weekday"
)

// TimeRange holds when the request time-of-day lies strictly between Start
// and End. When Start is after End the window wraps past midnight.
type TimeRange struct {
	Start time.Duration
	End   time.Duration
	loc   *time.Location
	now   func() time.Time
}

// NewTimeRange builds a range from offsets since midnight.
func NewTimeRange(start, end time.Duration, loc *time.Location, now func() time.Time) (*TimeRange, error) {
	if start == end {
		return nil, fmt.Errorf("%w: time_range start and end are equal", errors.ErrInvalidCondition)
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &TimeRange{Start: start, End: end, loc: loc, now: now}, nil
}

func newTimeRange(params Params, opts Options) (Condition, error) {
	startStr, err := params.String("start")
	if err != nil {
		return nil, err
	}
	endStr, err := params.String("end")
	if err != nil {
		return nil, err
	}
	start, err := ParseClock(startStr)
	if err != nil {
		return nil, err
	}
	end, err := ParseClock(endStr)
	if err != nil {
		return nil, err
	}
	loc, err := params.Location("timezone")
	if err != nil {
		return nil, err
	}
	return NewTimeRange(start, end, loc, opts.Now)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset since midnight.
func ParseClock(s string) (time.Duration, error) {
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time %q, expected HH:MM or HH:MM:SS", errors.ErrInvalidCondition, s)
	}
	return sinceMidnight(t), nil
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

// Wraps reports whether the window spans midnight.
func (c *TimeRange) Wraps() bool {
	return c.Start > c.End
}

// Evaluate implements Condition.
func (c *TimeRange) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	tod := sinceMidnight(actx.TimeOr(c.now()).In(c.loc))
	if c.Wraps() {
		return tod > c.Start || tod < c.End, nil
	}
	return tod > c.Start && tod < c.End, nil
}

// Describe implements Condition.
func (c *TimeRange) Describe() string {
	return fmt.Sprintf("Time range: %s - %s (%s)", formatClock(c.Start), formatClock(c.End), c.loc)
}

func formatClock(d time.Duration) string {
	return time.Time{}.Add(d).Format("15:04:05")
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Weekday holds when the request falls on one of the configured days.
type Weekday struct {
	days map[time.Weekday]struct{}
	raw  []string
	loc  *time.Location
	now  func() time.Time
}

func newWeekday(params Params, opts Options) (Condition, error) {
	names, err := params.Strings("days")
	if err != nil {
		return nil, err
	}
	loc, err := params.Location("timezone")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: weekday needs at least one day", errors.ErrInvalidCondition)
	}
	c := &Weekday{days: make(map[time.Weekday]struct{}, len(names)), raw: names, loc: loc, now: opts.Now}
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", errors.ErrInvalidCondition, n)
		}
		c.days[d] = struct{}{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Evaluate implements Condition.
func (c *Weekday) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	_, ok := c.days[actx.TimeOr(c.now()).In(c.loc).Weekday()]
	return ok, nil
}

// Describe implements Condition.
func (c *Weekday) Describe() string {
	return "Weekdays: " + strings.Join(c.raw, ", ")
}
