package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// ErrUnknownInterval is returned for intervals the scheduler cannot evaluate.
var ErrUnknownInterval = errors.New("unknown interval kind")

const day = 24 * time.Hour

// cronParser accepts the standard five-field syntax (min, hour, dom, month, dow)
// plus descriptors such as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Delay returns how long to wait from now until the interval next fires.
//
// every(n) waits n seconds. everyDay waits until the next occurrence of its
// wall-clock time in its time zone; 0 means the time is exactly now. The
// result stays below 24h: on the 25h day when clocks go back it is capped
// just under a day. cron waits until the expression's next match.
func Delay(iv models.Interval, now time.Time) (time.Duration, error) {
	due, err := nextFire(iv, now, false)
	if err != nil {
		return 0, err
	}
	d := due.Sub(now)
	if iv.Kind == models.IntervalEveryDay && d >= day {
		d = day - time.Nanosecond
	}
	return d, nil
}

// NextDelay is the exact wait for a job that has just fired. A daily job
// whose time is exactly now has used up that occurrence and waits for the
// next day's.
func NextDelay(iv models.Interval, now time.Time) (time.Duration, error) {
	due, err := nextFire(iv, now, true)
	if err != nil {
		return 0, err
	}
	return due.Sub(now), nil
}

// nextFire returns when iv next fires at or after now. With afterFire set a
// daily occurrence equal to now is skipped.
func nextFire(iv models.Interval, now time.Time, afterFire bool) (time.Time, error) {
	switch iv.Kind {
	case models.IntervalEvery:
		if iv.Seconds < 0 {
			return time.Time{}, fmt.Errorf("%w: negative seconds %d", models.ErrInvalidInterval, iv.Seconds)
		}
		return now.Add(time.Duration(iv.Seconds) * time.Second), nil

	case models.IntervalEveryDay:
		if iv.At == nil {
			return time.Time{}, fmt.Errorf("%w: every_day requires a time", models.ErrInvalidInterval)
		}
		loc, err := location(iv.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
		local := now.In(loc)
		y, m, d := local.Date()
		target := time.Date(y, m, d, iv.At.Hour, iv.At.Minute, iv.At.Second, 0, loc)
		if target.Before(now) || (afterFire && target.Equal(now)) {
			target = time.Date(y, m, d+1, iv.At.Hour, iv.At.Minute, iv.At.Second, 0, loc)
		}
		return target, nil

	case models.IntervalCron:
		sched, err := cronParser.Parse(iv.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", models.ErrInvalidInterval, iv.Expr, err)
		}
		loc, err := location(iv.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron %q never fires", models.ErrInvalidInterval, iv.Expr)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownInterval, iv.Kind)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", models.ErrInvalidInterval, tz, err)
	}
	return loc, nil
}
