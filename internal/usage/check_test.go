package usage

import (
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/entity"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int64) *int64     { return &v }

func fullStats() Stats {
	return StatsFromTotals(Totals{
		Minute: WindowTotals{Cost: 1, Requests: 10, Tokens: 100},
		Hour:   WindowTotals{Cost: 2, Requests: 20, Tokens: 200},
		Day:    WindowTotals{Cost: 3, Requests: 30, Tokens: 300},
		Month:  WindowTotals{Cost: 4, Requests: 40, Tokens: 400},
	})
}

func TestCheck_NoLimits(t *testing.T) {
	if err := Check(ResourceVirtualKey, entity.Limits{}, fullStats()); err != nil {
		t.Fatalf("nil limits must admit: %v", err)
	}
}

func TestCheck_UsageAtLimitAdmits(t *testing.T) {
	limits := entity.Limits{
		Budget:   entity.BudgetLimits{PerMonth: fptr(4)},
		Requests: entity.RequestLimits{PerDay: iptr(30)},
	}
	if err := Check(ResourceProject, limits, fullStats()); err != nil {
		t.Fatalf("usage equal to the limit must admit: %v", err)
	}
}

func TestCheck_FirstViolationOrder(t *testing.T) {
	// Both budget/minute and tokens/month are violated; budget wins because
	// the scan is metric-major.
	limits := entity.Limits{
		Budget: entity.BudgetLimits{PerMinute: fptr(0.5)},
		Tokens: entity.TokenLimits{PerMonth: iptr(1)},
	}
	err := Check(ResourceVirtualKey, limits, fullStats())
	if err == nil {
		t.Fatal("expected a violation")
	}
	if err.Metric != MetricBudget || err.Period != PeriodMinute {
		t.Fatalf("first violation = %s/%s, want budget/minute", err.Metric, err.Period)
	}

	// Within one metric the windows scan month→minute.
	limits = entity.Limits{
		Requests: entity.RequestLimits{PerMinute: iptr(1), PerMonth: iptr(1)},
	}
	err = Check(ResourceVirtualKey, limits, fullStats())
	if err == nil {
		t.Fatal("expected a violation")
	}
	if err.Period != PeriodMonth {
		t.Fatalf("first violated window = %s, want month", err.Period)
	}
}

func TestCheck_NotSetAdmits(t *testing.T) {
	// An unset cell suppresses the comparison even under a tiny limit.
	var stats Stats
	limits := entity.Limits{
		Budget:   entity.BudgetLimits{PerMinute: fptr(0.0001)},
		Requests: entity.RequestLimits{PerMonth: iptr(0)},
	}
	if err := Check(ResourceConnection, limits, stats); err != nil {
		t.Fatalf("not-set stats must admit: %v", err)
	}
}

func TestExceededError_Shape(t *testing.T) {
	err := Check(ResourceVirtualKey, entity.Limits{
		Tokens: entity.TokenLimits{PerDay: iptr(250)},
	}, fullStats())
	if err == nil {
		t.Fatal("expected a violation")
	}

	if got := err.Code(); got != "tokens_day_over_limit" {
		t.Errorf("Code() = %q, want tokens_day_over_limit", got)
	}
	if err.Used != 300 || err.Limit != 250 {
		t.Errorf("used/limit = %v/%v, want 300/250", err.Used, err.Limit)
	}
	if err.HTTPStatus() != 429 {
		t.Errorf("HTTPStatus() = %d, want 429", err.HTTPStatus())
	}
}
