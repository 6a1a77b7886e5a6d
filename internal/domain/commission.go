/**
 * @description
 * Domain models for commission (SB) simulation.
 */
package domain

// CommissionBaseType determines how the commission pool is derived.
type CommissionBaseType string

const (
	BasePercentageOfSales  CommissionBaseType = "percentage_of_sales"
	BasePercentageOfSalary CommissionBaseType = "percentage_of_salary"
	BaseFixedAmount        CommissionBaseType = "fixed_amount"
)

// Valid reports whether t is a known base type.
func (t CommissionBaseType) Valid() bool {
	switch t {
	case BasePercentageOfSales, BasePercentageOfSalary, BaseFixedAmount:
		return true
	}
	return false
}

// PaymentCycle controls how often the scout is paid.
type PaymentCycle string

const (
	CycleMonthly   PaymentCycle = "monthly"
	CycleBimonthly PaymentCycle = "bimonthly"
)

// Valid reports whether c is a known payment cycle.
func (c PaymentCycle) Valid() bool {
	switch c {
	case CycleMonthly, CycleBimonthly:
		return true
	}
	return false
}

// CommissionInput is the raw input to a single commission calculation.
// Monetary amounts are whole yen.
type CommissionInput struct {
	EstimatedSales     int64              `json:"estimated_sales"`
	CommissionBaseType CommissionBaseType `json:"commission_base_type"`
	CommissionRate     float64            `json:"commission_rate"`
	ScoutSharePercent  float64            `json:"scout_share_percent"`
	PaymentCycle       PaymentCycle       `json:"payment_cycle"`
}

// CommissionResult is the monetary breakdown of one calculation.
type CommissionResult struct {
	EstimatedSalary    int64  `json:"estimated_salary,omitempty"`
	PoolAmount         int64  `json:"pool_amount"`
	ScoutIncome        int64  `json:"scout_income"`
	OrganizationIncome int64  `json:"organization_income"`
	PerPaymentAmount   int64  `json:"per_payment_amount"`
	AnnualEstimate     int64  `json:"annual_estimate"`
	FormulaTrace       string `json:"formula_trace"`
}

// ShopRate is a shop's commission configuration.
type ShopRate struct {
	ShopID             string             `json:"shop_id"`
	ShopName           string             `json:"shop_name"`
	CommissionBaseType CommissionBaseType `json:"commission_base_type"`
	CommissionRate     float64            `json:"commission_rate"`
}

// ShopResult is one shop's outcome inside a ShopComparison.
type ShopResult struct {
	Shop   ShopRate         `json:"shop"`
	Result CommissionResult `json:"result"`
}

// ShopComparison ranks shops by scout income at a shared sales estimate.
// Best and Worst are nil when no shops were compared.
type ShopComparison struct {
	Results          []ShopResult `json:"results"`
	Best             *ShopResult  `json:"best_shop"`
	Worst            *ShopResult  `json:"worst_shop"`
	DifferenceAmount int64        `json:"difference_amount"`
}

// IsEmpty reports whether the comparison has no shops.
func (c ShopComparison) IsEmpty() bool {
	return len(c.Results) == 0
}

// RateComparison is one row of a what-if rate table.
type RateComparison struct {
	CommissionRate float64          `json:"commission_rate"`
	Result         CommissionResult `json:"result"`
}
