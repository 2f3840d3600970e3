// Package schedule computes survey period boundaries.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"surveyhub/api/internal/store"
)

var ErrNoInterval = errors.New("survey has no interval")

// Calendar anchors periods in a fixed location so that day and month
// boundaries follow local wall-clock time.
type Calendar struct {
	loc *time.Location
}

func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// NextPeriodStart returns the first boundary start + k*interval that is not
// before now. A survey without a start is anchored at the beginning of the
// current day.
func (c Calendar) NextPeriodStart(survey store.Survey, now time.Time) (time.Time, error) {
	if survey.IntervalType == store.IntervalNone || survey.IntervalType == "" {
		return time.Time{}, ErrNoInterval
	}
	if survey.IntervalValue <= 0 {
		return time.Time{}, fmt.Errorf("interval value %d: must be positive", survey.IntervalValue)
	}

	now = now.In(c.loc)
	anchor := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	if survey.IntervalStart != nil {
		anchor = survey.IntervalStart.In(c.loc)
	}
	if !anchor.Before(now) {
		return anchor, nil
	}

	step := func(k int) (time.Time, error) {
		n := k * survey.IntervalValue
		switch survey.IntervalType {
		case store.IntervalDaily:
			return anchor.AddDate(0, 0, n), nil
		case store.IntervalWeekly:
			return anchor.AddDate(0, 0, 7*n), nil
		case store.IntervalMonthly:
			return anchor.AddDate(0, n, 0), nil
		}
		return time.Time{}, fmt.Errorf("unknown interval type %q", survey.IntervalType)
	}

	// Jump close to now, then walk forward.
	k := 0
	if survey.IntervalType != store.IntervalMonthly {
		days := 1
		if survey.IntervalType == store.IntervalWeekly {
			days = 7
		}
		period := time.Duration(days*survey.IntervalValue) * 24 * time.Hour
		k = int(now.Sub(anchor)/period) - 1
		if k < 0 {
			k = 0
		}
	}
	for {
		next, err := step(k)
		if err != nil {
			return time.Time{}, err
		}
		if !next.Before(now) {
			return next, nil
		}
		k++
	}
}
