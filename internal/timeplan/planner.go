package timeplan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser is a standard 5-field cron expression parser (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	// ErrEndExceeded signals that the next occurrence falls beyond the
	// schedule's end date.
	ErrEndExceeded = errors.New("next occurrence exceeds schedule end date")
	// ErrPastSchedule signals a one-time instant that is not in the future.
	ErrPastSchedule = errors.New("scheduled instant is in the past")
)

// ValidationError reports an invalid or inconsistent schedule field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, v ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, v...)}
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Planner validates schedules and computes UTC fire instants. Zones is the
// allow-list of IANA names; empty permits all.
type Planner struct {
	defaultZone string
	allowed     map[string]struct{}
}

func New(defaultZone string, allowedZones []string) *Planner {
	p := &Planner{defaultZone: defaultZone}
	if p.defaultZone == "" {
		p.defaultZone = "UTC"
	}
	if len(allowedZones) > 0 {
		p.allowed = make(map[string]struct{}, len(allowedZones))
		for _, z := range allowedZones {
			p.allowed[z] = struct{}{}
		}
	}
	return p
}

// DefaultZone returns the planner's fallback IANA zone name.
func (p *Planner) DefaultZone() string { return p.defaultZone }

// Location resolves and authorizes a user timezone. An empty name falls back
// to the planner default.
func (p *Planner) Location(userTimezone string) (*time.Location, error) {
	name := strings.TrimSpace(userTimezone)
	if name == "" {
		name = p.defaultZone
	}
	if p.allowed != nil {
		if _, ok := p.allowed[name]; !ok {
			return nil, invalid("timezone", "zone %q is not in the allowed list", name)
		}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalid("timezone", "unknown IANA zone %q", name)
	}
	return loc, nil
}

// ValidateSchedule checks completeness and consistency of a schedule request.
// now is the creation instant used for the strictly-future check on one-time
// schedules.
func (p *Planner) ValidateSchedule(s Schedule, userTimezone string, now time.Time) error {
	loc, err := p.Location(userTimezone)
	if err != nil {
		return err
	}

	switch s.Type {
	case ScheduleOnce:
		if s.OneTime == nil {
			return invalid("one_time", "required for once schedules")
		}
		at, err := parseLocalInstant(s.OneTime.Date, s.OneTime.Time, loc)
		if err != nil {
			return err
		}
		if !at.After(now) {
			return fmt.Errorf("%w: %s", ErrPastSchedule, at.UTC().Format(time.RFC3339))
		}
		return nil

	case ScheduleRecurring:
		if s.Recurring == nil {
			return invalid("recurring", "required for recurring schedules")
		}
		return p.validateRecurring(s.Recurring, loc)

	default:
		return invalid("schedule_type", "must be once or recurring, got %q", s.Type)
	}
}

func (p *Planner) validateRecurring(r *RecurringSpec, loc *time.Location) error {
	if _, err := time.Parse(timeLayout, r.Time); err != nil {
		return invalid("time", "must be HH:MM, got %q", r.Time)
	}
	start, err := time.ParseInLocation(dateLayout, r.StartDate, loc)
	if err != nil {
		return invalid("start_date", "must be YYYY-MM-DD, got %q", r.StartDate)
	}
	if r.EndDate != "" {
		end, err := time.ParseInLocation(dateLayout, r.EndDate, loc)
		if err != nil {
			return invalid("end_date", "must be YYYY-MM-DD, got %q", r.EndDate)
		}
		if !end.After(start) {
			return invalid("end_date", "must be strictly after start_date")
		}
	}

	switch r.Frequency {
	case FreqDaily:
	case FreqWeekly:
		if len(r.DaysOfWeek) == 0 {
			return invalid("days_of_week", "required for weekly schedules")
		}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return invalid("days_of_week", "entries must be 0..6, got %d", d)
			}
		}
	case FreqMonthly:
		if r.DayOfMonth != 0 && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
			return invalid("day_of_month", "must be 1..31, got %d", r.DayOfMonth)
		}
	default:
		return invalid("frequency", "must be daily, weekly or monthly, got %q", r.Frequency)
	}
	return nil
}

// PlanFirstFire returns the UTC instant of the schedule's first fire. For
// once it is the (strictly future) configured instant; for recurring it is
// the next cron occurrence at or after now, never before the start date.
func (p *Planner) PlanFirstFire(s Schedule, userTimezone string, now time.Time) (time.Time, error) {
	loc, err := p.Location(userTimezone)
	if err != nil {
		return time.Time{}, err
	}

	switch s.Type {
	case ScheduleOnce:
		at, err := parseLocalInstant(s.OneTime.Date, s.OneTime.Time, loc)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrPastSchedule, at.UTC().Format(time.RFC3339))
		}
		return at.UTC(), nil

	case ScheduleRecurring:
		expr, err := p.BuildCronExpression(*s.Recurring, userTimezone)
		if err != nil {
			return time.Time{}, err
		}
		start, err := time.ParseInLocation(dateLayout, s.Recurring.StartDate, loc)
		if err != nil {
			return time.Time{}, invalid("start_date", "must be YYYY-MM-DD, got %q", s.Recurring.StartDate)
		}
		from := now
		if start.After(from) {
			// The first occurrence at or after the start date itself.
			from = start.Add(-time.Second)
		}
		var end *time.Time
		if s.Recurring.EndDate != "" {
			bound, err := EndBound(s.Recurring.EndDate, loc)
			if err != nil {
				return time.Time{}, err
			}
			end = &bound
		}
		return NextFire(expr, from, end)

	default:
		return time.Time{}, invalid("schedule_type", "must be once or recurring, got %q", s.Type)
	}
}

// BuildCronExpression converts the local HH:MM of a recurring spec to UTC on
// a reference date and emits a 5-field expression. The UTC offset is
// snapshotted at plan time; the local wall clock of fires therefore drifts by
// one hour across DST transitions.
func (p *Planner) BuildCronExpression(r RecurringSpec, userTimezone string) (string, error) {
	loc, err := p.Location(userTimezone)
	if err != nil {
		return "", err
	}
	hhmm, err := time.Parse(timeLayout, r.Time)
	if err != nil {
		return "", invalid("time", "must be HH:MM, got %q", r.Time)
	}

	ref, err := time.ParseInLocation(dateLayout, r.StartDate, loc)
	if err != nil {
		return "", invalid("start_date", "must be YYYY-MM-DD, got %q", r.StartDate)
	}
	local := time.Date(ref.Year(), ref.Month(), ref.Day(), hhmm.Hour(), hhmm.Minute(), 0, 0, loc)
	utc := local.UTC()

	// Converting to UTC may cross midnight; weekly day-of-week entries shift
	// with it. Monthly day-of-month is kept as given (month lengths make a
	// naive shift ambiguous).
	dayShift := utc.YearDay() - local.YearDay()
	if utc.Year() != local.Year() {
		if utc.Year() > local.Year() {
			dayShift = 1
		} else {
			dayShift = -1
		}
	}

	switch r.Frequency {
	case FreqDaily:
		return fmt.Sprintf("%d %d * * *", utc.Minute(), utc.Hour()), nil

	case FreqWeekly:
		if len(r.DaysOfWeek) == 0 {
			return "", invalid("days_of_week", "required for weekly schedules")
		}
		shifted := make([]int, 0, len(r.DaysOfWeek))
		seen := make(map[int]struct{}, len(r.DaysOfWeek))
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return "", invalid("days_of_week", "entries must be 0..6, got %d", d)
			}
			s := ((d+dayShift)%7 + 7) % 7
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				shifted = append(shifted, s)
			}
		}
		sort.Ints(shifted)
		parts := make([]string, len(shifted))
		for i, d := range shifted {
			parts[i] = fmt.Sprintf("%d", d)
		}
		return fmt.Sprintf("%d %d * * %s", utc.Minute(), utc.Hour(), strings.Join(parts, ",")), nil

	case FreqMonthly:
		dom := r.DayOfMonth
		if dom == 0 {
			dom = 1
		}
		if dom < 1 || dom > 31 {
			return "", invalid("day_of_month", "must be 1..31, got %d", dom)
		}
		return fmt.Sprintf("%d %d %d * *", utc.Minute(), utc.Hour(), dom), nil

	default:
		return "", invalid("frequency", "must be daily, weekly or monthly, got %q", r.Frequency)
	}
}

// NextFire returns the smallest cron occurrence strictly after from, in UTC.
// When end is set and the occurrence falls beyond it, ErrEndExceeded is
// returned.
func NextFire(cronExpr string, from time.Time, end *time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, invalid("cron_expression", "parse %q: %v", cronExpr, err)
	}
	next := sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence after %s for %q", from.UTC().Format(time.RFC3339), cronExpr)
	}
	if end != nil && next.After(*end) {
		return time.Time{}, fmt.Errorf("%w: next %s, end %s", ErrEndExceeded,
			next.Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return next, nil
}

// NextNFires returns up to n occurrences strictly after from, stopping early
// at the end bound.
func NextNFires(cronExpr string, n int, from time.Time, end *time.Time) ([]time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, invalid("cron_expression", "parse %q: %v", cronExpr, err)
	}

	out := make([]time.Time, 0, n)
	cursor := from.UTC()
	for len(out) < n {
		next := sched.Next(cursor)
		if next.IsZero() {
			break
		}
		if end != nil && next.After(*end) {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// EndBound returns the inclusive UTC bound for an end date: 23:59:59 of that
// calendar day in the user zone.
func EndBound(endDate string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, endDate, loc)
	if err != nil {
		return time.Time{}, invalid("end_date", "must be YYYY-MM-DD, got %q", endDate)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc).UTC(), nil
}

func parseLocalInstant(date, hhmm string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, invalid("date", "must be YYYY-MM-DD, got %q", date)
	}
	tm, err := time.Parse(timeLayout, hhmm)
	if err != nil {
		return time.Time{}, invalid("time", "must be HH:MM, got %q", hhmm)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), tm.Hour(), tm.Minute(), 0, 0, loc), nil
}
