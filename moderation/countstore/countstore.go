// Period-bucketed counters shared across moderation passes: per-user
// violation history, vendor cost accounting, and operational quotas.
//
// Counts are bucketed by calendar period (hour/day/month) plus an all-time
// total. The "recent violations" signal in the decision engine reads the
// month bucket, which approximates a rolling 30-day window at much lower
// cost than true sliding windows.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodMonth = "month"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// Counter namespace for per-user confirmed violations (block/limit
// decisions and human-upheld reports).
const NameViolations = "violations"

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodMonth:
		t := time.Now().UTC().Format("2006-01")
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodDay:
		t := time.Now().UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

var allPeriods = []string{PeriodTotal, PeriodMonth, PeriodDay, PeriodHour}
