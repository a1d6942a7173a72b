// Package usage implements the two-tier usage counter system: the wire-exact
// Redis key scheme, stat extraction, the DB aggregation fallback, the
// admission check, and the pipelined increment protocol.
package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource tags which graph node a counter belongs to.
type Resource string

const (
	ResourceVirtualKey Resource = "virtualkey"
	ResourceDeployment Resource = "deployment"
	ResourceConnection Resource = "connection"
	ResourceProject    Resource = "project"
)

// Metric is one of the three counted quantities.
type Metric string

const (
	MetricBudget   Metric = "budget"
	MetricRequests Metric = "requests"
	MetricTokens   Metric = "tokens"
)

// Period is a UTC window. Note the codes: minute and hour are uppercase,
// day and month lowercase.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
)

// Metrics and Periods fix the iteration order used throughout the package:
// keys are generated metric-major, minute→month within a metric.
var (
	Metrics = []Metric{MetricBudget, MetricRequests, MetricTokens}
	Periods = []Period{PeriodMinute, PeriodHour, PeriodDay, PeriodMonth}
)

var periodCodes = map[Period]string{
	PeriodMinute: "M",
	PeriodHour:   "H",
	PeriodDay:    "d",
	PeriodMonth:  "m",
}

var periodLayouts = map[Period]string{
	PeriodMinute: "200601021504",
	PeriodHour:   "2006010215",
	PeriodDay:    "20060102",
	PeriodMonth:  "200601",
}

// Bucket formats ts truncated to the period, always in UTC.
func Bucket(p Period, ts time.Time) string {
	return ts.UTC().Format(periodLayouts[p])
}

// WindowStart returns the UTC start of the period window containing ts.
func WindowStart(p Period, ts time.Time) time.Time {
	t := ts.UTC()
	switch p {
	case PeriodMinute:
		return t.Truncate(time.Minute)
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Key builds the counter key for one (resource, id, metric, period) cell at
// time ts:
//
//	stats:{resource}:{id}:{metric}:{period_code}:{bucket}
func Key(r Resource, id uuid.UUID, m Metric, p Period, ts time.Time) string {
	return fmt.Sprintf("stats:%s:%s:%s:%s:%s", r, id, m, periodCodes[p], Bucket(p, ts))
}

// ParsedKey is the decomposition of a well-formed counter key.
type ParsedKey struct {
	Resource Resource
	ID       uuid.UUID
	Metric   Metric
	Period   Period
	Bucket   string
}

// ParseKey is the left inverse of Key on well-formed strings.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 6 || parts[0] != "stats" {
		return ParsedKey{}, fmt.Errorf("usage: malformed counter key %q", key)
	}

	r := Resource(parts[1])
	switch r {
	case ResourceVirtualKey, ResourceDeployment, ResourceConnection, ResourceProject:
	default:
		return ParsedKey{}, fmt.Errorf("usage: unknown resource in key %q", key)
	}

	id, err := uuid.Parse(parts[2])
	if err != nil {
		return ParsedKey{}, fmt.Errorf("usage: bad id in key %q: %w", key, err)
	}

	m := Metric(parts[3])
	switch m {
	case MetricBudget, MetricRequests, MetricTokens:
	default:
		return ParsedKey{}, fmt.Errorf("usage: unknown metric in key %q", key)
	}

	var p Period
	switch parts[4] {
	case "M":
		p = PeriodMinute
	case "H":
		p = PeriodHour
	case "d":
		p = PeriodDay
	case "m":
		p = PeriodMonth
	default:
		return ParsedKey{}, fmt.Errorf("usage: unknown period code in key %q", key)
	}

	if len(parts[5]) != len(periodLayouts[p]) {
		return ParsedKey{}, fmt.Errorf("usage: bucket %q does not match period %s", parts[5], p)
	}

	return ParsedKey{Resource: r, ID: id, Metric: m, Period: p, Bucket: parts[5]}, nil
}
