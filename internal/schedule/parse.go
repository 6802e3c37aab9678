// Package schedule runs named units on interval, time-of-day, and
// interval-within-range cadences, with hot reload from the schedule
// file and catch-up after machine suspension.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CadenceKind discriminates the cadence grammar.
type CadenceKind string

const (
	KindInterval      CadenceKind = "interval"
	KindTimeOfDay     CadenceKind = "time_of_day"
	KindIntervalRange CadenceKind = "interval_within_range"
	KindCron          CadenceKind = "cron"
)

// DayMask is a subset of the week, bit 0 = Monday.
type DayMask uint8

const (
	Monday DayMask = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday

	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekends = Saturday | Sunday
	AllDays  = Weekdays | Weekends
)

var dayNames = map[string]DayMask{
	"monday": Monday, "mon": Monday,
	"tuesday": Tuesday, "tue": Tuesday,
	"wednesday": Wednesday, "wed": Wednesday,
	"thursday": Thursday, "thu": Thursday,
	"friday": Friday, "fri": Friday,
	"saturday": Saturday, "sat": Saturday,
	"sunday": Sunday, "sun": Sunday,
}

var dayOrder = []struct {
	mask DayMask
	name string
}{
	{Monday, "monday"}, {Tuesday, "tuesday"}, {Wednesday, "wednesday"},
	{Thursday, "thursday"}, {Friday, "friday"}, {Saturday, "saturday"}, {Sunday, "sunday"},
}

// Contains reports whether the mask includes a time.Weekday.
func (m DayMask) Contains(d time.Weekday) bool {
	switch d {
	case time.Sunday:
		return m&Sunday != 0
	default:
		return m&(1<<(uint(d)-1)) != 0
	}
}

// String renders the mask: a preset name when it matches one, else a
// comma list.
func (m DayMask) String() string {
	switch m {
	case Weekdays:
		return "weekdays"
	case Weekends:
		return "weekends"
	case AllDays:
		return "daily"
	}
	var names []string
	for _, d := range dayOrder {
		if m&d.mask != 0 {
			names = append(names, d.name)
		}
	}
	return strings.Join(names, ",")
}

func parseDayMask(s string) (DayMask, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "weekdays":
		return Weekdays, nil
	case "weekends":
		return Weekends, nil
	case "daily", "everyday":
		return AllDays, nil
	}
	var mask DayMask
	for _, part := range strings.Split(s, ",") {
		day, ok := dayNames[strings.TrimSpace(strings.ToLower(part))]
		if !ok {
			return 0, fmt.Errorf("unknown day %q", strings.TrimSpace(part))
		}
		mask |= day
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty day list")
	}
	return mask, nil
}

// TimeOfDay is a wall-clock instant within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%d:%02d", t.Hour, t.Minute) }

// Minutes returns the offset from midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

var timePresets = map[string]TimeOfDay{
	"morning":   {Hour: 9},
	"afternoon": {Hour: 14},
	"evening":   {Hour: 18},
	"night":     {Hour: 22},
}

func parseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if preset, ok := timePresets[s]; ok {
		return preset, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// Cadence is a parsed interval expression.
type Cadence struct {
	Kind CadenceKind

	// KindInterval and KindIntervalRange.
	Every time.Duration

	// KindTimeOfDay.
	At TimeOfDay

	// KindIntervalRange.
	Start TimeOfDay
	End   TimeOfDay

	// Day mask for time-of-day and ranged cadences.
	Days DayMask

	// KindCron.
	Expr     string
	schedule cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCadence parses the interval grammar:
//
//	30s | 5m | 2h30m                          interval
//	9:00 on weekdays | morning on monday      time of day
//	1h between 9:00 and 23:00 on weekdays     interval within range
//	cron:*/10 * * * *                         raw cron expression
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cadence{}, fmt.Errorf("empty cadence")
	}

	if expr, ok := strings.CutPrefix(s, "cron:"); ok {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return Cadence{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return Cadence{Kind: KindCron, Expr: expr, schedule: sched}, nil
	}

	lower := strings.ToLower(s)
	if strings.Contains(lower, " between ") {
		return parseIntervalRange(lower)
	}
	if d, err := time.ParseDuration(lower); err == nil {
		if d <= 0 {
			return Cadence{}, fmt.Errorf("interval must be positive, got %q", s)
		}
		return Cadence{Kind: KindInterval, Every: d}, nil
	}
	return parseTimeOfDayCadence(lower)
}

func parseTimeOfDayCadence(s string) (Cadence, error) {
	timePart := s
	days := AllDays
	if at, dayPart, ok := cutWord(s, " on "); ok {
		timePart = at
		mask, err := parseDayMask(dayPart)
		if err != nil {
			return Cadence{}, err
		}
		days = mask
	}
	at, err := parseTimeOfDay(timePart)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cadence %q: %w", s, err)
	}
	return Cadence{Kind: KindTimeOfDay, At: at, Days: days}, nil
}

func parseIntervalRange(s string) (Cadence, error) {
	durPart, rest, _ := cutWord(s, " between ")
	every, err := time.ParseDuration(strings.TrimSpace(durPart))
	if err != nil || every <= 0 {
		return Cadence{}, fmt.Errorf("invalid interval in %q", s)
	}

	days := AllDays
	if r, dayPart, ok := cutWord(rest, " on "); ok {
		rest = r
		if days, err = parseDayMask(dayPart); err != nil {
			return Cadence{}, err
		}
	}

	startPart, endPart, ok := cutWord(rest, " and ")
	if !ok {
		return Cadence{}, fmt.Errorf("invalid range in %q: want \"between HH:MM and HH:MM\"", s)
	}
	start, err := parseTimeOfDay(startPart)
	if err != nil {
		return Cadence{}, err
	}
	end, err := parseTimeOfDay(endPart)
	if err != nil {
		return Cadence{}, err
	}
	if end.Minutes() <= start.Minutes() {
		return Cadence{}, fmt.Errorf("range end %s is not after start %s", end, start)
	}
	return Cadence{Kind: KindIntervalRange, Every: every, Start: start, End: end, Days: days}, nil
}

func cutWord(s, sep string) (before, after string, found bool) {
	before, after, found = strings.Cut(s, sep)
	return strings.TrimSpace(before), strings.TrimSpace(after), found
}

// String renders the cadence back into the grammar. Parsing the
// result yields an equal cadence.
func (c Cadence) String() string {
	switch c.Kind {
	case KindInterval:
		return c.Every.String()
	case KindTimeOfDay:
		return fmt.Sprintf("%s on %s", c.At, c.Days)
	case KindIntervalRange:
		return fmt.Sprintf("%s between %s and %s on %s", c.Every, c.Start, c.End, c.Days)
	case KindCron:
		return "cron:" + c.Expr
	}
	return ""
}

// Equal compares cadences ignoring the compiled cron schedule.
func (c Cadence) Equal(other Cadence) bool {
	return c.Kind == other.Kind && c.Every == other.Every && c.At == other.At &&
		c.Start == other.Start && c.End == other.End && c.Days == other.Days && c.Expr == other.Expr
}

// NextTimeOfDay computes the next fire instant for a time-of-day
// cadence: today if the time is still ahead on an allowed day, else
// the first allowed day within a week.
func (c Cadence) NextTimeOfDay(now time.Time) (time.Time, bool) {
	if c.Kind != KindTimeOfDay {
		return time.Time{}, false
	}
	for dayOffset := 0; dayOffset <= 7; dayOffset++ {
		day := now.AddDate(0, 0, dayOffset)
		fire := time.Date(day.Year(), day.Month(), day.Day(), c.At.Hour, c.At.Minute, 0, 0, now.Location())
		if fire.After(now) && c.Days.Contains(fire.Weekday()) {
			return fire, true
		}
	}
	return time.Time{}, false
}

// NextCron computes the next fire instant for a cron cadence.
func (c Cadence) NextCron(now time.Time) (time.Time, bool) {
	if c.Kind != KindCron || c.schedule == nil {
		return time.Time{}, false
	}
	return c.schedule.Next(now), true
}

// MissedFire reports whether a time-of-day cadence had a fire instant
// inside (now-jump, now] on an allowed day. Used for suspension
// catch-up.
func (c Cadence) MissedFire(now time.Time, jump time.Duration) bool {
	if c.Kind != KindTimeOfDay || jump <= 0 {
		return false
	}
	windowStart := now.Add(-jump)
	// Walk each day the window touches.
	for day := windowStart; !day.After(now.AddDate(0, 0, 1)); day = day.AddDate(0, 0, 1) {
		fire := time.Date(day.Year(), day.Month(), day.Day(), c.At.Hour, c.At.Minute, 0, 0, now.Location())
		if fire.After(windowStart) && !fire.After(now) && c.Days.Contains(fire.Weekday()) {
			return true
		}
	}
	return false
}
