// Command sbsim runs the commission calculator from the terminal so operators
// can check a shop's numbers without going through the API.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scoutlink/referral-service/internal/commission"
	"github.com/scoutlink/referral-service/internal/domain"
	"github.com/scoutlink/referral-service/internal/money"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type inputFlags struct {
	sales int64
	base  string
	rate  float64
	share float64
	cycle string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.sales, "sales", 0, "Estimated monthly sales in yen")
	cmd.Flags().StringVar(&f.base, "base", string(domain.BasePercentageOfSales), "Commission base: percentage_of_sales, percentage_of_salary or fixed_amount")
	cmd.Flags().Float64Var(&f.rate, "rate", 0, "Commission rate in percent, or yen for fixed_amount")
	cmd.Flags().Float64Var(&f.share, "share", 70, "Scout share of the pool in percent")
	cmd.Flags().StringVar(&f.cycle, "cycle", string(domain.CycleMonthly), "Payment cycle: monthly or bimonthly")
	_ = cmd.MarkFlagRequired("sales")
}

func (f *inputFlags) input() domain.CommissionInput {
	return domain.CommissionInput{
		EstimatedSales:     f.sales,
		CommissionBaseType: domain.CommissionBaseType(f.base),
		CommissionRate:     f.rate,
		ScoutSharePercent:  f.share,
		PaymentCycle:       domain.PaymentCycle(f.cycle),
	}
}

func newRootCmd() *cobra.Command {
	var salaryRatio float64

	root := &cobra.Command{
		Use:          "sbsim",
		Short:        "Simulate scout commission (SB) payouts",
		SilenceUsage: true,
	}
	root.PersistentFlags().Float64Var(&salaryRatio, "salary-ratio", 0.5, "Salary-to-sales ratio for percentage_of_salary")

	calculator := func() (commission.Calculator, error) {
		return commission.NewCalculator().WithSalaryRatio(salaryRatio)
	}

	root.AddCommand(newCalcCmd(calculator), newCompareCmd(calculator), newSweepCmd(calculator))
	return root
}

type calculatorFactory func() (commission.Calculator, error)

func newCalcCmd(newCalculator calculatorFactory) *cobra.Command {
	var flags inputFlags
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Break down one commission estimate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			calc, err := newCalculator()
			if err != nil {
				return err
			}
			result, err := calc.Calculate(flags.input())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newCompareCmd(newCalculator calculatorFactory) *cobra.Command {
	var (
		sales int64
		share float64
		shops []string
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Rank shops by scout income at one sales estimate",
		Example: `  sbsim compare --sales 500000 \
    --shop "Club A:percentage_of_sales:20" --shop "Club B:percentage_of_sales:30"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rates := make([]domain.ShopRate, 0, len(shops))
			for i, spec := range shops {
				shop, err := parseShop(spec)
				if err != nil {
					return fmt.Errorf("--shop #%d: %w", i+1, err)
				}
				rates = append(rates, shop)
			}

			calc, err := newCalculator()
			if err != nil {
				return err
			}
			comparison, err := calc.CompareShops(sales, share, rates)
			if err != nil {
				return err
			}
			printComparison(cmd.OutOrStdout(), comparison)
			return nil
		},
	}
	cmd.Flags().Int64Var(&sales, "sales", 0, "Estimated monthly sales in yen")
	cmd.Flags().Float64Var(&share, "share", 70, "Scout share of the pool in percent")
	cmd.Flags().StringArrayVar(&shops, "shop", nil, `Shop as "name:base_type:rate"; repeat for each shop`)
	_ = cmd.MarkFlagRequired("sales")
	return cmd
}

func newSweepCmd(newCalculator calculatorFactory) *cobra.Command {
	var (
		flags inputFlags
		rates []float64
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Recompute an estimate for several commission rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			calc, err := newCalculator()
			if err != nil {
				return err
			}
			rows, err := calc.RateSweep(flags.input(), rates)
			if err != nil {
				return err
			}
			printSweep(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().Float64SliceVar(&rates, "rates", nil, "Comma separated commission rates to compare")
	_ = cmd.MarkFlagRequired("rates")
	return cmd
}

// parseShop reads "name:base_type:rate". The name may not contain a colon.
func parseShop(spec string) (domain.ShopRate, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return domain.ShopRate{}, fmt.Errorf("expected name:base_type:rate, got %q", spec)
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return domain.ShopRate{}, fmt.Errorf("shop name is empty in %q", spec)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return domain.ShopRate{}, fmt.Errorf("invalid rate in %q: %w", spec, err)
	}
	return domain.ShopRate{
		ShopID:             name,
		ShopName:           name,
		CommissionBaseType: domain.CommissionBaseType(strings.TrimSpace(parts[1])),
		CommissionRate:     rate,
	}, nil
}

func printResult(out io.Writer, r domain.CommissionResult) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if r.EstimatedSalary > 0 {
		fmt.Fprintf(tw, "Estimated salary\t%s\n", money.FormatYen(r.EstimatedSalary))
	}
	fmt.Fprintf(tw, "Pool\t%s\n", money.FormatYen(r.PoolAmount))
	fmt.Fprintf(tw, "Scout income\t%s\n", money.FormatYen(r.ScoutIncome))
	fmt.Fprintf(tw, "Organization income\t%s\n", money.FormatYen(r.OrganizationIncome))
	fmt.Fprintf(tw, "Per payment\t%s\n", money.FormatYen(r.PerPaymentAmount))
	fmt.Fprintf(tw, "Annual estimate\t%s\n", money.FormatYen(r.AnnualEstimate))
	tw.Flush()
	fmt.Fprintln(out, r.FormulaTrace)
}

func printComparison(out io.Writer, c domain.ShopComparison) {
	if c.IsEmpty() {
		fmt.Fprintln(out, "No shops to compare.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Shop\tRate\tPool\tScout income")
	for _, res := range c.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			res.Shop.ShopName,
			money.FormatPercent(money.Rate(res.Shop.CommissionRate)),
			money.FormatYen(res.Result.PoolAmount),
			money.FormatYen(res.Result.ScoutIncome),
		)
	}
	tw.Flush()
	fmt.Fprintf(out, "Best: %s, worst: %s, difference %s\n", c.Best.Shop.ShopName, c.Worst.Shop.ShopName, money.FormatYen(c.DifferenceAmount))
}

func printSweep(out io.Writer, rows []domain.RateComparison) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Rate\tPool\tScout income\tAnnual")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			money.FormatPercent(money.Rate(row.CommissionRate)),
			money.FormatYen(row.Result.PoolAmount),
			money.FormatYen(row.Result.ScoutIncome),
			money.FormatYen(row.Result.AnnualEstimate),
		)
	}
	tw.Flush()
}
