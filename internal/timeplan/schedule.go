package timeplan

// ScheduleType discriminates the two kinds of job schedules.
type ScheduleType string

const (
	// ScheduleOnce fires a single time at a fixed instant.
	ScheduleOnce ScheduleType = "once"
	// ScheduleRecurring fires on a cron-derived rhythm until an optional end date.
	ScheduleRecurring ScheduleType = "recurring"
)

// Frequency is the recurrence rhythm of a recurring schedule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// OneTimeSpec describes a single future fire. Date and Time are wall-clock
// values in the job's user timezone.
type OneTimeSpec struct {
	Date string `json:"date"` // YYYY-MM-DD
	Time string `json:"time"` // HH:MM
}

// RecurringSpec describes a repeating schedule. Time is the local wall-clock
// in the user timezone; the derived cron expression is a UTC snapshot.
type RecurringSpec struct {
	Frequency  Frequency `json:"frequency"`
	Time       string    `json:"time"`       // HH:MM
	StartDate  string    `json:"start_date"` // YYYY-MM-DD
	EndDate    string    `json:"end_date,omitempty"`
	DaysOfWeek []int     `json:"days_of_week,omitempty"` // 0=Sunday..6, weekly only
	DayOfMonth int       `json:"day_of_month,omitempty"` // 1..31, monthly only
}

// Schedule is the tagged union carried by a job.
type Schedule struct {
	Type      ScheduleType   `json:"type"`
	OneTime   *OneTimeSpec   `json:"one_time,omitempty"`
	Recurring *RecurringSpec `json:"recurring,omitempty"`
}
