package usage

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// StatValue is one counter cell: an integer, a float, or not-set. Not-set is
// distinct from zero — it suppresses limit comparison and marks the node for
// a DB-authoritative reload.
type StatValue struct {
	set     bool
	isFloat bool
	i       int64
	f       float64
}

// IntStat wraps an integer cell value.
func IntStat(v int64) StatValue { return StatValue{set: true, i: v} }

// FloatStat wraps a float cell value.
func FloatStat(v float64) StatValue { return StatValue{set: true, isFloat: true, f: v} }

// IsSet reports whether the cell holds a value.
func (s StatValue) IsSet() bool { return s.set }

// Float returns the cell as a float; not-set reads as zero.
func (s StatValue) Float() float64 {
	if !s.set {
		return 0
	}
	if s.isFloat {
		return s.f
	}
	return float64(s.i)
}

// Int returns the cell as an integer; not-set reads as zero.
func (s StatValue) Int() int64 {
	if !s.set {
		return 0
	}
	if s.isFloat {
		return int64(s.f)
	}
	return s.i
}

// PeriodStats holds one metric across the four windows.
type PeriodStats struct {
	Minute StatValue
	Hour   StatValue
	Day    StatValue
	Month  StatValue
}

func (p PeriodStats) get(period Period) StatValue {
	switch period {
	case PeriodMinute:
		return p.Minute
	case PeriodHour:
		return p.Hour
	case PeriodDay:
		return p.Day
	default:
		return p.Month
	}
}

func (p *PeriodStats) set(period Period, v StatValue) {
	switch period {
	case PeriodMinute:
		p.Minute = v
	case PeriodHour:
		p.Hour = v
	case PeriodDay:
		p.Day = v
	case PeriodMonth:
		p.Month = v
	}
}

// Stats is the per-node usage bundle the admission check runs against.
type Stats struct {
	Budget   PeriodStats
	Requests PeriodStats
	Tokens   PeriodStats
}

func (s Stats) metric(m Metric) PeriodStats {
	switch m {
	case MetricBudget:
		return s.Budget
	case MetricRequests:
		return s.Requests
	default:
		return s.Tokens
	}
}

func (s *Stats) setCell(m Metric, p Period, v StatValue) {
	switch m {
	case MetricBudget:
		s.Budget.set(p, v)
	case MetricRequests:
		s.Requests.set(p, v)
	case MetricTokens:
		s.Tokens.set(p, v)
	}
}

// Complete reports whether every one of the twelve cells is set.
func (s Stats) Complete() bool {
	for _, m := range Metrics {
		ps := s.metric(m)
		for _, p := range Periods {
			if !ps.get(p).IsSet() {
				return false
			}
		}
	}
	return true
}

// Ref names one counter-bearing node.
type Ref struct {
	Resource Resource
	ID       uuid.UUID
}

// KeySet generates the twelve counter keys of a node in the package's fixed
// iteration order (metric-major, minute→month).
func KeySet(ref Ref, ts time.Time) []string {
	keys := make([]string, 0, len(Metrics)*len(Periods))
	for _, m := range Metrics {
		for _, p := range Periods {
			keys = append(keys, Key(ref.Resource, ref.ID, m, p, ts))
		}
	}
	return keys
}

// ExtractStats decodes the twelve values of one node from an MGET result
// slice aligned with KeySet order. Nil entries and unparsable values decode
// as not-set. Budget values parse as floats, the rest as integers.
func ExtractStats(values []any) Stats {
	var out Stats
	idx := 0
	for _, m := range Metrics {
		for _, p := range Periods {
			var cell StatValue
			if idx < len(values) {
				cell = decodeCell(m, values[idx])
			}
			out.setCell(m, p, cell)
			idx++
		}
	}
	return out
}

func decodeCell(m Metric, raw any) StatValue {
	s, ok := raw.(string)
	if !ok {
		return StatValue{}
	}
	if m == MetricBudget {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return StatValue{}
		}
		return FloatStat(f)
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Lenient: an INCRBYFLOAT writeback may have left a float form.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return StatValue{}
		}
		return IntStat(int64(f))
	}
	return IntStat(i)
}

// WindowTotals is one aggregated window from the relational store.
type WindowTotals struct {
	Cost     float64
	Requests int64
	Tokens   int64
}

// Totals carries the DB aggregation result for all four windows.
type Totals struct {
	Minute WindowTotals
	Hour   WindowTotals
	Day    WindowTotals
	Month  WindowTotals
}

func (t Totals) window(p Period) WindowTotals {
	switch p {
	case PeriodMinute:
		return t.Minute
	case PeriodHour:
		return t.Hour
	case PeriodDay:
		return t.Day
	default:
		return t.Month
	}
}

// StatsFromTotals materializes a fully-set Stats bundle from a DB aggregate.
func StatsFromTotals(t Totals) Stats {
	var out Stats
	for _, p := range Periods {
		w := t.window(p)
		out.Budget.set(p, FloatStat(w.Cost))
		out.Requests.set(p, IntStat(w.Requests))
		out.Tokens.set(p, IntStat(w.Tokens))
	}
	return out
}
