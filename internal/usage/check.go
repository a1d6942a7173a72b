package usage

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/entity"
)

// ExceededError reports the first violated limit found by Check.
type ExceededError struct {
	Resource Resource
	Metric   Metric
	Period   Period
	Used     float64
	Limit    float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("usage: %s %s limit exceeded for %s: used %v, limit %v",
		e.Period, e.Metric, e.Resource, e.Used, e.Limit)
}

// Code renders the client-facing error code, e.g. "budget_month_over_limit".
func (e *ExceededError) Code() string {
	return fmt.Sprintf("%s_%s_over_limit", e.Metric, e.Period)
}

func (e *ExceededError) HTTPStatus() int { return fasthttp.StatusTooManyRequests }

// checkOrder fixes the window evaluation order within a metric.
var checkOrder = []Period{PeriodMonth, PeriodDay, PeriodHour, PeriodMinute}

// Check validates a node's usage against its limits and returns the first
// violation, metric-major (budget, requests, tokens), month→minute within a
// metric. A nil limit means unlimited; a not-set stat admits as zero.
func Check(resource Resource, limits entity.Limits, stats Stats) *ExceededError {
	for _, p := range checkOrder {
		if err := checkFloat(resource, MetricBudget, p, budgetLimit(limits.Budget, p), stats.Budget.get(p)); err != nil {
			return err
		}
	}
	for _, p := range checkOrder {
		if err := checkInt(resource, MetricRequests, p, requestLimit(limits.Requests, p), stats.Requests.get(p)); err != nil {
			return err
		}
	}
	for _, p := range checkOrder {
		if err := checkInt(resource, MetricTokens, p, tokenLimit(limits.Tokens, p), stats.Tokens.get(p)); err != nil {
			return err
		}
	}
	return nil
}

func checkFloat(r Resource, m Metric, p Period, limit *float64, used StatValue) *ExceededError {
	if limit == nil || !used.IsSet() {
		return nil
	}
	if used.Float() > *limit {
		return &ExceededError{Resource: r, Metric: m, Period: p, Used: used.Float(), Limit: *limit}
	}
	return nil
}

func checkInt(r Resource, m Metric, p Period, limit *int64, used StatValue) *ExceededError {
	if limit == nil || !used.IsSet() {
		return nil
	}
	if used.Int() > *limit {
		return &ExceededError{Resource: r, Metric: m, Period: p, Used: float64(used.Int()), Limit: float64(*limit)}
	}
	return nil
}

func budgetLimit(l entity.BudgetLimits, p Period) *float64 {
	switch p {
	case PeriodMinute:
		return l.PerMinute
	case PeriodHour:
		return l.PerHour
	case PeriodDay:
		return l.PerDay
	default:
		return l.PerMonth
	}
}

func requestLimit(l entity.RequestLimits, p Period) *int64 {
	switch p {
	case PeriodMinute:
		return l.PerMinute
	case PeriodHour:
		return l.PerHour
	case PeriodDay:
		return l.PerDay
	default:
		return l.PerMonth
	}
}

func tokenLimit(l entity.TokenLimits, p Period) *int64 {
	switch p {
	case PeriodMinute:
		return l.PerMinute
	case PeriodHour:
		return l.PerHour
	case PeriodDay:
		return l.PerDay
	default:
		return l.PerMonth
	}
}
