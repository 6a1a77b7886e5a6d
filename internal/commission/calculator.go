/**
 * @description
 * Commission (SB) calculator: converts a sales estimate and a shop's commission
 * configuration into the scout/organization payout breakdown.
 */
package commission

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scoutlink/referral-service/internal/domain"
	"github.com/scoutlink/referral-service/internal/money"
)

// DefaultSalaryRatio is the modeled salary-to-sales ratio used by the
// percentage_of_salary base type.
// TODO: confirm with product whether this ratio should vary per shop.
var DefaultSalaryRatio = decimal.NewFromFloat(0.5)

const monthsPerYear = 12

// Calculator computes commission breakdowns. The zero value is not usable;
// construct with NewCalculator.
type Calculator struct {
	salaryRatio decimal.Decimal
}

// NewCalculator returns a calculator using DefaultSalaryRatio.
func NewCalculator() Calculator {
	return Calculator{salaryRatio: DefaultSalaryRatio}
}

// WithSalaryRatio returns a copy of c using ratio for percentage_of_salary.
func (c Calculator) WithSalaryRatio(ratio float64) (Calculator, error) {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 || ratio > 1 {
		return c, domain.NewInputError("salary_ratio", "must be in (0, 1]")
	}
	c.salaryRatio = money.Rate(ratio)
	return c, nil
}

// SalaryRatio returns the configured salary-to-sales ratio.
func (c Calculator) SalaryRatio() decimal.Decimal {
	return c.salaryRatio
}

// Calculate converts input into a full monetary breakdown.
func (c Calculator) Calculate(input domain.CommissionInput) (domain.CommissionResult, error) {
	if err := validate(input); err != nil {
		return domain.CommissionResult{}, err
	}

	rate := money.Rate(input.CommissionRate)
	share := money.Rate(input.ScoutSharePercent)

	// Amounts outside the int64 range are blamed on the input that scales them.
	overflowField := "estimated_sales"
	if input.CommissionBaseType == domain.BaseFixedAmount {
		overflowField = "commission_rate"
	}
	toYen := func(d decimal.Decimal) (int64, error) {
		amount, ok := money.RoundChecked(d)
		if !ok {
			return 0, domain.NewInputError(overflowField, "result exceeds the supported amount range")
		}
		return amount, nil
	}

	var (
		result    domain.CommissionResult
		baseTrace string
		err       error
	)
	switch input.CommissionBaseType {
	case domain.BasePercentageOfSales:
		if result.PoolAmount, err = toYen(money.PercentOf(money.Yen(input.EstimatedSales), rate)); err != nil {
			return domain.CommissionResult{}, err
		}
		baseTrace = fmt.Sprintf("sales %s × %s = pool %s",
			money.FormatYen(input.EstimatedSales), money.FormatPercent(rate), money.FormatYen(result.PoolAmount))
	case domain.BasePercentageOfSalary:
		if result.EstimatedSalary, err = toYen(money.Yen(input.EstimatedSales).Mul(c.salaryRatio)); err != nil {
			return domain.CommissionResult{}, err
		}
		if result.PoolAmount, err = toYen(money.PercentOf(money.Yen(result.EstimatedSalary), rate)); err != nil {
			return domain.CommissionResult{}, err
		}
		baseTrace = fmt.Sprintf("salary %s (sales %s × %s) × %s = pool %s",
			money.FormatYen(result.EstimatedSalary), money.FormatYen(input.EstimatedSales), c.salaryRatio.String(),
			money.FormatPercent(rate), money.FormatYen(result.PoolAmount))
	case domain.BaseFixedAmount:
		if result.PoolAmount, err = toYen(rate); err != nil {
			return domain.CommissionResult{}, err
		}
		baseTrace = fmt.Sprintf("fixed pool %s", money.FormatYen(result.PoolAmount))
	default:
		return domain.CommissionResult{}, domain.NewInputError("commission_base_type", fmt.Sprintf("unknown value %q", input.CommissionBaseType))
	}

	if result.ScoutIncome, err = toYen(money.PercentOf(money.Yen(result.PoolAmount), share)); err != nil {
		return domain.CommissionResult{}, err
	}
	// Organization income is the remainder so the split always sums to the pool.
	result.OrganizationIncome = result.PoolAmount - result.ScoutIncome

	switch input.PaymentCycle {
	case domain.CycleBimonthly:
		result.PerPaymentAmount = money.Round(money.Yen(result.ScoutIncome).Div(decimal.NewFromInt(2)))
	default:
		result.PerPaymentAmount = result.ScoutIncome
	}
	if result.AnnualEstimate, err = toYen(money.Yen(result.ScoutIncome).Mul(decimal.NewFromInt(monthsPerYear))); err != nil {
		return domain.CommissionResult{}, err
	}

	result.FormulaTrace = fmt.Sprintf("%s; scout %s = %s, organization %s",
		baseTrace, money.FormatPercent(share), money.FormatYen(result.ScoutIncome), money.FormatYen(result.OrganizationIncome))

	return result, nil
}

// CompareShops evaluates every shop at the same sales estimate and scout
// share and ranks them by scout income, highest first. Ties keep input order.
func (c Calculator) CompareShops(estimatedSales int64, scoutSharePercent float64, shops []domain.ShopRate) (domain.ShopComparison, error) {
	comparison := domain.ShopComparison{Results: make([]domain.ShopResult, 0, len(shops))}
	for i, shop := range shops {
		result, err := c.Calculate(domain.CommissionInput{
			EstimatedSales:     estimatedSales,
			CommissionBaseType: shop.CommissionBaseType,
			CommissionRate:     shop.CommissionRate,
			ScoutSharePercent:  scoutSharePercent,
			PaymentCycle:       domain.CycleMonthly,
		})
		if err != nil {
			return domain.ShopComparison{}, prefixField(err, fmt.Sprintf("shops[%d].", i))
		}
		comparison.Results = append(comparison.Results, domain.ShopResult{Shop: shop, Result: result})
	}

	if len(comparison.Results) == 0 {
		return comparison, nil
	}

	sort.SliceStable(comparison.Results, func(i, j int) bool {
		return comparison.Results[i].Result.ScoutIncome > comparison.Results[j].Result.ScoutIncome
	})

	best := comparison.Results[0]
	worst := comparison.Results[len(comparison.Results)-1]
	comparison.Best = &best
	comparison.Worst = &worst
	comparison.DifferenceAmount = best.Result.ScoutIncome - worst.Result.ScoutIncome

	return comparison, nil
}

// RateSweep recalculates input once per candidate rate, holding every other
// field fixed. Output order matches rates.
func (c Calculator) RateSweep(input domain.CommissionInput, rates []float64) ([]domain.RateComparison, error) {
	out := make([]domain.RateComparison, 0, len(rates))
	for i, rate := range rates {
		candidate := input
		candidate.CommissionRate = rate
		result, err := c.Calculate(candidate)
		if err != nil {
			return nil, prefixField(err, fmt.Sprintf("rates[%d].", i))
		}
		out = append(out, domain.RateComparison{CommissionRate: rate, Result: result})
	}
	return out, nil
}

func validate(input domain.CommissionInput) error {
	if input.EstimatedSales < 0 {
		return domain.NewInputError("estimated_sales", "must be >= 0")
	}
	if !input.CommissionBaseType.Valid() {
		return domain.NewInputError("commission_base_type", fmt.Sprintf("unknown value %q", input.CommissionBaseType))
	}
	if math.IsNaN(input.CommissionRate) || math.IsInf(input.CommissionRate, 0) || input.CommissionRate < 0 {
		return domain.NewInputError("commission_rate", "must be a finite number >= 0")
	}
	if math.IsNaN(input.ScoutSharePercent) || input.ScoutSharePercent < 0 || input.ScoutSharePercent > 100 {
		return domain.NewInputError("scout_share_percent", "must be between 0 and 100")
	}
	if !input.PaymentCycle.Valid() {
		return domain.NewInputError("payment_cycle", fmt.Sprintf("unknown value %q", input.PaymentCycle))
	}
	return nil
}

func prefixField(err error, prefix string) error {
	if inputErr, ok := err.(*domain.InputError); ok {
		return &domain.InputError{Field: prefix + inputErr.Field, Reason: inputErr.Reason}
	}
	return err
}
