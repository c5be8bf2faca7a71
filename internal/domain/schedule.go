package domain

import (
	"errors"
	"time"
)

type PlanType string

const (
	PlanTypeWeekly   PlanType = "WEEKLY"
	PlanTypeBiweekly PlanType = "BIWEEKLY"
)

func (p PlanType) Valid() bool {
	return p == PlanTypeWeekly || p == PlanTypeBiweekly
}

var (
	ErrInvalidPlanType  = errors.New("invalid plan type")
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrInvalidSlotCount = errors.New("invalid slot count")
	ErrInvalidDateRange = errors.New("end date before start date")
)

// IntervalDays returns the spacing between two slots of the plan.
func IntervalDays(p PlanType) (int, error) {
	switch p {
	case PlanTypeWeekly:
		return 7, nil
	case PlanTypeBiweekly:
		return 14, nil
	default:
		return 0, ErrInvalidPlanType
	}
}

// EndDate adds durationMonths calendar months to start. When the start day does
// not exist in the target month the result is clamped to that month's last day,
// so Jan 31 + 1 month is Feb 28 (or 29). Time of day and location are kept.
func EndDate(start time.Time, durationMonths int) (time.Time, error) {
	if durationMonths < 0 {
		return time.Time{}, ErrInvalidDuration
	}

	y, m, d := start.Date()
	hh, mm, ss := start.Clock()
	loc := start.Location()

	first := time.Date(y, m+time.Month(durationMonths), 1, 0, 0, 0, 0, time.UTC)
	if last := daysInMonth(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, start.Nanosecond(), loc), nil
}

// TotalSlots is the number of slots spaced intervalDays apart that fit between
// start and end, both inclusive.
func TotalSlots(start, end time.Time, intervalDays int) (int, error) {
	if intervalDays <= 0 {
		return 0, ErrInvalidInterval
	}
	days := civilDaysBetween(start, end)
	if days < 0 {
		return 0, ErrInvalidDateRange
	}
	return days/intervalDays + 1, nil
}

// GenerateSlotDates returns totalSlots dates starting at start, intervalDays
// apart. Calendar-day arithmetic keeps the wall-clock time across DST changes.
func GenerateSlotDates(start time.Time, totalSlots, intervalDays int) ([]time.Time, error) {
	if intervalDays <= 0 {
		return nil, ErrInvalidInterval
	}
	if totalSlots < 0 {
		return nil, ErrInvalidSlotCount
	}

	out := make([]time.Time, 0, totalSlots)
	for i := 0; i < totalSlots; i++ {
		out = append(out, start.AddDate(0, 0, i*intervalDays))
	}
	return out, nil
}

// RecalculateSlotDates re-plans count slots from newStart using the interval of
// newPlanType.
func RecalculateSlotDates(count int, newPlanType PlanType, newStart time.Time) ([]time.Time, error) {
	interval, err := IntervalDays(newPlanType)
	if err != nil {
		return nil, err
	}
	return GenerateSlotDates(newStart, count, interval)
}

// Schedule is the computed series for a plan.
type Schedule struct {
	PlanType     PlanType
	StartDate    time.Time
	EndDate      time.Time
	IntervalDays int
	TotalSlots   int
	Dates        []time.Time
}

// ComputeSchedule runs the whole date calculation for a new subscription.
func ComputeSchedule(planType PlanType, start time.Time, durationMonths int) (Schedule, error) {
	interval, err := IntervalDays(planType)
	if err != nil {
		return Schedule{}, err
	}
	end, err := EndDate(start, durationMonths)
	if err != nil {
		return Schedule{}, err
	}
	total, err := TotalSlots(start, end, interval)
	if err != nil {
		return Schedule{}, err
	}
	dates, err := GenerateSlotDates(start, total, interval)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		PlanType:     planType,
		StartDate:    start,
		EndDate:      end,
		IntervalDays: interval,
		TotalSlots:   total,
		Dates:        dates,
	}, nil
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// civilDaysBetween counts calendar days from start to end in start's location,
// ignoring the time of day.
func civilDaysBetween(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.In(start.Location()).Date()
	a := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
