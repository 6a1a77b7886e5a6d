package commission

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/scoutlink/referral-service/internal/domain"
)

func baseInput() domain.CommissionInput {
	return domain.CommissionInput{
		EstimatedSales:     500000,
		CommissionBaseType: domain.BasePercentageOfSales,
		CommissionRate:     25,
		ScoutSharePercent:  70,
		PaymentCycle:       domain.CycleMonthly,
	}
}

func TestCalculate_PercentageOfSalesMonthly(t *testing.T) {
	result, err := NewCalculator().Calculate(baseInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PoolAmount != 125000 {
		t.Fatalf("expected pool 125000, got %d", result.PoolAmount)
	}
	if result.ScoutIncome != 87500 {
		t.Fatalf("expected scout income 87500, got %d", result.ScoutIncome)
	}
	if result.OrganizationIncome != 37500 {
		t.Fatalf("expected organization income 37500, got %d", result.OrganizationIncome)
	}
	if result.PerPaymentAmount != 87500 {
		t.Fatalf("expected per payment 87500, got %d", result.PerPaymentAmount)
	}
	if result.AnnualEstimate != 1050000 {
		t.Fatalf("expected annual 1050000, got %d", result.AnnualEstimate)
	}
	for _, want := range []string{"¥500,000", "25%", "¥125,000", "70%", "¥87,500", "¥37,500"} {
		if !strings.Contains(result.FormulaTrace, want) {
			t.Fatalf("expected formula trace to mention %q, got %q", want, result.FormulaTrace)
		}
	}
}

func TestCalculate_BimonthlyHalvesPerPaymentOnly(t *testing.T) {
	input := baseInput()
	input.PaymentCycle = domain.CycleBimonthly

	result, err := NewCalculator().Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PerPaymentAmount != 43750 {
		t.Fatalf("expected per payment 43750, got %d", result.PerPaymentAmount)
	}
	if result.PoolAmount != 125000 || result.ScoutIncome != 87500 || result.AnnualEstimate != 1050000 {
		t.Fatalf("bimonthly must not change pool/income/annual, got %+v", result)
	}
}

func TestCalculate_BimonthlyOddIncomeRoundsHalfUp(t *testing.T) {
	input := domain.CommissionInput{
		EstimatedSales:     0,
		CommissionBaseType: domain.BaseFixedAmount,
		CommissionRate:     87501,
		ScoutSharePercent:  100,
		PaymentCycle:       domain.CycleBimonthly,
	}
	result, err := NewCalculator().Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ScoutIncome != 87501 {
		t.Fatalf("expected scout income 87501, got %d", result.ScoutIncome)
	}
	if result.PerPaymentAmount != 43751 {
		t.Fatalf("expected the larger half 43751, got %d", result.PerPaymentAmount)
	}
}

func TestCalculate_PercentageOfSalaryUsesSalaryRatio(t *testing.T) {
	input := baseInput()
	input.CommissionBaseType = domain.BasePercentageOfSalary
	input.CommissionRate = 20

	result, err := NewCalculator().Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EstimatedSalary != 250000 {
		t.Fatalf("expected salary 250000, got %d", result.EstimatedSalary)
	}
	if result.PoolAmount != 50000 {
		t.Fatalf("expected pool 50000, got %d", result.PoolAmount)
	}
	if result.ScoutIncome != 35000 {
		t.Fatalf("expected scout income 35000, got %d", result.ScoutIncome)
	}

	calc, err := NewCalculator().WithSalaryRatio(0.4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err = calc.Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EstimatedSalary != 200000 || result.PoolAmount != 40000 {
		t.Fatalf("expected overridden ratio to apply, got %+v", result)
	}
}

func TestWithSalaryRatio_RejectsOutOfRange(t *testing.T) {
	for _, ratio := range []float64{0, -0.1, 1.5} {
		if _, err := NewCalculator().WithSalaryRatio(ratio); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("ratio %v: expected invalid input, got %v", ratio, err)
		}
	}
}

func TestCalculate_FixedAmountRoundsRate(t *testing.T) {
	input := domain.CommissionInput{
		EstimatedSales:     999999,
		CommissionBaseType: domain.BaseFixedAmount,
		CommissionRate:     30000.5,
		ScoutSharePercent:  50,
		PaymentCycle:       domain.CycleMonthly,
	}
	result, err := NewCalculator().Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PoolAmount != 30001 {
		t.Fatalf("expected pool 30001, got %d", result.PoolAmount)
	}
	// 30001 * 50% = 15000.5 rounds up; organization gets the remainder.
	if result.ScoutIncome != 15001 || result.OrganizationIncome != 15000 {
		t.Fatalf("unexpected split %d/%d", result.ScoutIncome, result.OrganizationIncome)
	}
}

func TestCalculate_RejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*domain.CommissionInput)
		field string
	}{
		{"negative sales", func(in *domain.CommissionInput) { in.EstimatedSales = -1 }, "estimated_sales"},
		{"negative rate", func(in *domain.CommissionInput) { in.CommissionRate = -0.01 }, "commission_rate"},
		{"share above 100", func(in *domain.CommissionInput) { in.ScoutSharePercent = 100.5 }, "scout_share_percent"},
		{"negative share", func(in *domain.CommissionInput) { in.ScoutSharePercent = -1 }, "scout_share_percent"},
		{"unknown base", func(in *domain.CommissionInput) { in.CommissionBaseType = "per_head" }, "commission_base_type"},
		{"unknown cycle", func(in *domain.CommissionInput) { in.PaymentCycle = "weekly" }, "payment_cycle"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := baseInput()
			tc.mut(&input)
			_, err := NewCalculator().Calculate(input)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input error, got %v", err)
			}
			var inputErr *domain.InputError
			if !errors.As(err, &inputErr) || inputErr.Field != tc.field {
				t.Fatalf("expected error naming %q, got %v", tc.field, err)
			}
		})
	}
}

func TestCalculate_RejectsAmountsOutsideInt64(t *testing.T) {
	cases := []struct {
		name  string
		input domain.CommissionInput
		field string
	}{
		{
			name:  "annual estimate overflows",
			input: domain.CommissionInput{EstimatedSales: math.MaxInt64 / 2, CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 100, ScoutSharePercent: 100, PaymentCycle: domain.CycleMonthly},
			field: "estimated_sales",
		},
		{
			name:  "pool overflows",
			input: domain.CommissionInput{EstimatedSales: 1e18, CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 1000, ScoutSharePercent: 70, PaymentCycle: domain.CycleMonthly},
			field: "estimated_sales",
		},
		{
			name:  "salary pool overflows",
			input: domain.CommissionInput{EstimatedSales: math.MaxInt64, CommissionBaseType: domain.BasePercentageOfSalary, CommissionRate: 1000, ScoutSharePercent: 70, PaymentCycle: domain.CycleMonthly},
			field: "estimated_sales",
		},
		{
			name:  "fixed amount overflows",
			input: domain.CommissionInput{CommissionBaseType: domain.BaseFixedAmount, CommissionRate: 1e30, ScoutSharePercent: 70, PaymentCycle: domain.CycleMonthly},
			field: "commission_rate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := NewCalculator().Calculate(tc.input)
			var inputErr *domain.InputError
			if !errors.As(err, &inputErr) || inputErr.Field != tc.field {
				t.Fatalf("expected error naming %q, got %v (result %+v)", tc.field, err, result)
			}
		})
	}
}

func TestCalculate_LargeAmountsStayExact(t *testing.T) {
	// The largest scout income whose annual estimate still fits.
	maxMonthly := int64(math.MaxInt64 / 12)
	input := domain.CommissionInput{
		CommissionBaseType: domain.BaseFixedAmount,
		CommissionRate:     float64(maxMonthly / 1e6 * 1e6),
		ScoutSharePercent:  100,
		PaymentCycle:       domain.CycleMonthly,
	}
	result, err := NewCalculator().Calculate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PoolAmount <= 0 || result.AnnualEstimate != result.ScoutIncome*12 || result.AnnualEstimate < result.ScoutIncome {
		t.Fatalf("unexpected large result %+v", result)
	}

	result, err = NewCalculator().Calculate(domain.CommissionInput{
		EstimatedSales:     1e15,
		CommissionBaseType: domain.BasePercentageOfSales,
		CommissionRate:     25,
		ScoutSharePercent:  70,
		PaymentCycle:       domain.CycleBimonthly,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PoolAmount != 250e12 || result.ScoutIncome != 175e12 || result.AnnualEstimate != 2100e12 {
		t.Fatalf("unexpected breakdown %+v", result)
	}
}

func TestCalculate_SplitAndAnnualInvariants(t *testing.T) {
	calc := NewCalculator()
	sales := []int64{0, 1, 7, 99, 12345, 333333, 500000, 9876543}
	rates := []float64{0, 0.1, 12.5, 25, 33.3, 100, 150}
	shares := []float64{0, 1, 33.3, 50, 66.7, 70, 99.9, 100}
	bases := []domain.CommissionBaseType{domain.BasePercentageOfSales, domain.BasePercentageOfSalary, domain.BaseFixedAmount}

	for _, base := range bases {
		for _, s := range sales {
			for _, r := range rates {
				for _, share := range shares {
					for _, cycle := range []domain.PaymentCycle{domain.CycleMonthly, domain.CycleBimonthly} {
						input := domain.CommissionInput{EstimatedSales: s, CommissionBaseType: base, CommissionRate: r, ScoutSharePercent: share, PaymentCycle: cycle}
						result, err := calc.Calculate(input)
						if err != nil {
							t.Fatalf("%+v: unexpected error %v", input, err)
						}
						if result.ScoutIncome+result.OrganizationIncome != result.PoolAmount {
							t.Fatalf("%+v: split %d+%d != pool %d", input, result.ScoutIncome, result.OrganizationIncome, result.PoolAmount)
						}
						if result.AnnualEstimate != result.ScoutIncome*12 {
							t.Fatalf("%+v: annual %d != 12*%d", input, result.AnnualEstimate, result.ScoutIncome)
						}
						switch cycle {
						case domain.CycleMonthly:
							if result.PerPaymentAmount != result.ScoutIncome {
								t.Fatalf("%+v: monthly per payment %d != %d", input, result.PerPaymentAmount, result.ScoutIncome)
							}
						case domain.CycleBimonthly:
							diff := result.PerPaymentAmount*2 - result.ScoutIncome
							if diff < 0 || diff > 1 {
								t.Fatalf("%+v: bimonthly per payment %d too far from %d/2", input, result.PerPaymentAmount, result.ScoutIncome)
							}
						}
						if share == 100 && result.OrganizationIncome != 0 {
							t.Fatalf("%+v: full share must leave organization 0", input)
						}
						if share == 0 && result.ScoutIncome != 0 {
							t.Fatalf("%+v: zero share must give scout 0", input)
						}
					}
				}
			}
		}
	}
}

func TestCalculate_PoolIsMonotonicInSales(t *testing.T) {
	calc := NewCalculator()
	for _, base := range []domain.CommissionBaseType{domain.BasePercentageOfSales, domain.BasePercentageOfSalary, domain.BaseFixedAmount} {
		var previous int64 = -1
		for sales := int64(0); sales <= 200000; sales += 997 {
			input := domain.CommissionInput{EstimatedSales: sales, CommissionBaseType: base, CommissionRate: 17.5, ScoutSharePercent: 70, PaymentCycle: domain.CycleMonthly}
			result, err := calc.Calculate(input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.PoolAmount < previous {
				t.Fatalf("%s: pool decreased from %d to %d at sales %d", base, previous, result.PoolAmount, sales)
			}
			previous = result.PoolAmount
		}
	}
}

func TestCompareShops_RanksByScoutIncome(t *testing.T) {
	shops := []domain.ShopRate{
		{ShopID: "a", ShopName: "Shop A", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 20},
		{ShopID: "b", ShopName: "Shop B", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 30},
		{ShopID: "c", ShopName: "Shop C", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 10},
	}

	comparison, err := NewCalculator().CompareShops(500000, 70, shops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comparison.Best == nil || comparison.Best.Shop.ShopID != "b" {
		t.Fatalf("expected shop b to be best, got %+v", comparison.Best)
	}
	if comparison.Worst == nil || comparison.Worst.Shop.ShopID != "c" {
		t.Fatalf("expected shop c to be worst, got %+v", comparison.Worst)
	}
	if comparison.Best.Result.ScoutIncome != 105000 || comparison.Worst.Result.ScoutIncome != 35000 {
		t.Fatalf("unexpected incomes best=%d worst=%d", comparison.Best.Result.ScoutIncome, comparison.Worst.Result.ScoutIncome)
	}
	if comparison.DifferenceAmount != 70000 {
		t.Fatalf("expected difference 70000, got %d", comparison.DifferenceAmount)
	}
	for _, r := range comparison.Results {
		if r.Result.ScoutIncome > comparison.Best.Result.ScoutIncome || r.Result.ScoutIncome < comparison.Worst.Result.ScoutIncome {
			t.Fatalf("shop %s lies outside best/worst range", r.Shop.ShopID)
		}
	}
}

func TestCompareShops_TiesKeepInputOrder(t *testing.T) {
	shops := []domain.ShopRate{
		{ShopID: "first", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 20},
		{ShopID: "second", CommissionBaseType: domain.BaseFixedAmount, CommissionRate: 100000},
		{ShopID: "third", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 20},
	}

	comparison, err := NewCalculator().CompareShops(500000, 50, shops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comparison.Best.Shop.ShopID != "first" || comparison.Worst.Shop.ShopID != "third" {
		t.Fatalf("expected stable tie order, got best=%s worst=%s", comparison.Best.Shop.ShopID, comparison.Worst.Shop.ShopID)
	}
	if comparison.DifferenceAmount != 0 {
		t.Fatalf("expected zero difference for full tie, got %d", comparison.DifferenceAmount)
	}
}

func TestCompareShops_SingleShopHasZeroDifference(t *testing.T) {
	shops := []domain.ShopRate{{ShopID: "solo", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 25}}
	comparison, err := NewCalculator().CompareShops(500000, 70, shops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comparison.Best.Shop.ShopID != "solo" || comparison.Worst.Shop.ShopID != "solo" {
		t.Fatalf("expected the only shop to be both best and worst")
	}
	if comparison.DifferenceAmount != 0 {
		t.Fatalf("expected zero difference, got %d", comparison.DifferenceAmount)
	}
}

func TestCompareShops_EmptyListHasNoBestOrWorst(t *testing.T) {
	comparison, err := NewCalculator().CompareShops(500000, 70, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !comparison.IsEmpty() {
		t.Fatal("expected empty comparison")
	}
	if comparison.Best != nil || comparison.Worst != nil {
		t.Fatalf("expected no best/worst, got %+v / %+v", comparison.Best, comparison.Worst)
	}
	if comparison.DifferenceAmount != 0 {
		t.Fatalf("expected zero difference, got %d", comparison.DifferenceAmount)
	}
}

func TestCompareShops_InvalidShopNamesIndex(t *testing.T) {
	shops := []domain.ShopRate{
		{ShopID: "ok", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: 10},
		{ShopID: "bad", CommissionBaseType: domain.BasePercentageOfSales, CommissionRate: -5},
	}
	_, err := NewCalculator().CompareShops(500000, 70, shops)
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) || inputErr.Field != "shops[1].commission_rate" {
		t.Fatalf("expected error naming shops[1].commission_rate, got %v", err)
	}
}

func TestRateSweep_PreservesCandidateOrder(t *testing.T) {
	rates := []float64{30, 10, 20}
	rows, err := NewCalculator().RateSweep(baseInput(), rates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != len(rates) {
		t.Fatalf("expected %d rows, got %d", len(rates), len(rows))
	}
	wantPools := []int64{150000, 50000, 100000}
	for i, row := range rows {
		if row.CommissionRate != rates[i] {
			t.Fatalf("row %d: expected rate %v, got %v", i, rates[i], row.CommissionRate)
		}
		if row.Result.PoolAmount != wantPools[i] {
			t.Fatalf("row %d: expected pool %d, got %d", i, wantPools[i], row.Result.PoolAmount)
		}
	}
}

func TestRateSweep_RejectsInvalidCandidate(t *testing.T) {
	_, err := NewCalculator().RateSweep(baseInput(), []float64{10, -1})
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) || inputErr.Field != "rates[1].commission_rate" {
		t.Fatalf("expected error naming rates[1].commission_rate, got %v", err)
	}
}
