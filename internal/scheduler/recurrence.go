package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence is a parsed job schedule: either a fixed interval or a cron expression.
//
// Supported forms:
//   - Interval: "every 60s", "@every 1m", "every:5m", "interval:5m", "90s", "02:30" (HH:MM)
//   - Cron: "*/5 * * * *", "@hourly", "cron:0 3 * * *"
type Recurrence struct {
	Raw   string
	Every time.Duration
	Cron  cron.Schedule
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recurrence{}, fmt.Errorf("recurrence required")
	}
	low := strings.ToLower(s)

	for _, prefix := range []string{"every:", "interval:", "@every ", "every "} {
		if strings.HasPrefix(low, prefix) {
			d, err := parseInterval(s[len(prefix):])
			if err != nil {
				return Recurrence{}, err
			}
			return Recurrence{Raw: s, Every: d}, nil
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return parseCron(s, strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return Recurrence{}, fmt.Errorf("invalid recurrence %q (use cron like '*/5 * * * *' or an interval like 'every 60s')", raw)
	}
	return Recurrence{Raw: s, Every: d}, nil
}

func parseCron(raw, expr string) (Recurrence, error) {
	if expr == "" {
		return Recurrence{}, fmt.Errorf("cron expression required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Recurrence{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Recurrence{Raw: raw, Cron: sched}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func (r Recurrence) IsInterval() bool { return r.Every > 0 }

// First returns the first firing time. An interval fires at startAt (or now when
// unset); a cron schedule fires at its first match after max(now, startAt).
// The result is never before now.
func (r Recurrence) First(now, startAt time.Time) time.Time {
	if r.IsInterval() {
		switch {
		case startAt.IsZero():
			return now
		case startAt.Before(now):
			return r.skipTo(startAt, now, true)
		default:
			return startAt
		}
	}
	base := now
	if startAt.After(now) {
		base = startAt
	}
	return r.Cron.Next(base)
}

// Next returns the firing after prev. Intervals stay anchored on prev so polling
// jitter never drifts the schedule; missed firings are skipped, not replayed.
func (r Recurrence) Next(prev, now time.Time) time.Time {
	if r.IsInterval() {
		return r.skipTo(prev, now, false)
	}
	base := prev
	if now.After(base) {
		base = now
	}
	return r.Cron.Next(base)
}

// skipTo returns the first prev + k*Every (k >= 1) after now, or at/after now
// when inclusive is set.
func (r Recurrence) skipTo(prev, now time.Time, inclusive bool) time.Time {
	next := prev.Add(r.Every)
	if next.After(now) || inclusive && next.Equal(now) {
		return next
	}
	k := now.Sub(prev) / r.Every
	next = prev.Add(k * r.Every)
	if next.After(now) || inclusive && next.Equal(now) {
		return next
	}
	return next.Add(r.Every)
}

func (r Recurrence) String() string { return r.Raw }
