package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

type valuateOptions struct {
	input  string
	output string
}

// NewValuateCommand creates the valuate command. Its subcommands run the
// valuation models locally without a database.
func NewValuateCommand() *cobra.Command {
	opts := &valuateOptions{}

	cmd := &cobra.Command{
		Use:   "valuate",
		Short: "Run a valuation model locally",
		Long: `Run PWERM, DCF, CAPM or comparables valuations from flags or an input file.

--input reads a YAML or JSON document whose keys match the model's inputs
(for example revenue, ownership, scenarios). Flags that are set override
values from the file. Rates and ownership are fractions: 0.25 means 25%.`,
		Aliases: []string{"value"},
	}

	cmd.PersistentFlags().StringVarP(&opts.input, "input", "i", "", "YAML or JSON input file (- for stdin)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json, yaml")

	cmd.AddCommand(newValuatePWERMCommand(opts))
	cmd.AddCommand(newValuateDCFCommand(opts))
	cmd.AddCommand(newValuateCAPMCommand(opts))
	cmd.AddCommand(newValuateComparablesCommand(opts))

	return cmd
}

// readInput decodes the --input file into v. YAML is a superset of JSON so
// one decoder handles both.
func readInput(path string, in io.Reader, v any) error {
	if path == "" {
		return nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing input %s: %w", path, err)
	}
	return nil
}

// floatFlag copies a float flag into dst when the user set it.
func floatFlag(cmd *cobra.Command, name string, dst *float64) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetFloat64(name)
	}
}

func newValuatePWERMCommand(opts *valuateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pwerm",
		Short: "Probability-weighted expected return model",
		Long: `Value an investment across exit scenarios.

Without scenarios in the input file the standard table is used: IPO,
strategic M&A, secondary, acqui-hire and wind-down.`,
		Example: `  vcm valuate pwerm --revenue 1000000 --ownership 0.1 --investment 1000000
  vcm valuate pwerm --input deal.yaml --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in valuation.PWERMInput
			if err := readInput(opts.input, cmd.InOrStdin(), &in); err != nil {
				return err
			}
			floatFlag(cmd, "revenue", &in.Revenue)
			floatFlag(cmd, "ownership", &in.Ownership)
			floatFlag(cmd, "investment", &in.Investment)
			floatFlag(cmd, "preference", &in.LiquidationPreference)
			floatFlag(cmd, "discount-rate", &in.DiscountRate)

			res, err := valuation.PWERM(in)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), config.OutputFormat(opts.output), res, func(w io.Writer) error {
				return outputPWERMText(w, res)
			})
		},
	}
	cmd.Flags().Float64("revenue", 0, "Current annual revenue")
	cmd.Flags().Float64("ownership", 0, "Fully diluted ownership fraction")
	cmd.Flags().Float64("investment", 0, "Amount invested")
	cmd.Flags().Float64("preference", 0, "Liquidation preference amount")
	cmd.Flags().Float64("discount-rate", 0, "Annual discount rate")
	return cmd
}

func outputPWERMText(w io.Writer, r *valuation.PWERMResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SCENARIO\tPROB\tYEARS\tEXIT VALUE\tPRESENT VALUE\tPROCEEDS\tMOIC\t")
	for _, s := range r.Scenarios {
		fmt.Fprintf(tw, "%s\t%.0f%%\t%.1f\t%s\t%s\t%s\t%s\t\n",
			s.Name, s.Probability*100, s.YearsToExit,
			money(s.ExitValue), money(s.PresentValue), money(s.InvestorProceeds), multiple(s.MOIC))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Expected exit value:     %s\n", money(r.ExpectedExitValue))
	fmt.Fprintf(w, "Weighted present value:  %s\n", money(r.WeightedPresentValue))
	fmt.Fprintf(w, "Expected proceeds:       %s (PV %s)\n", money(r.ExpectedProceeds), money(r.ExpectedProceedsPV))
	fmt.Fprintf(w, "Expected MOIC:           %s\n", multiple(r.ExpectedMOIC))
	fmt.Fprintf(w, "Expected IRR:            %s\n", percentPtr(r.ExpectedIRR))
	fmt.Fprintf(w, "Probability of loss:     %.0f%%\n", r.ProbabilityOfLoss*100)
	fmt.Fprintf(w, "Discount rate:           %.1f%%\n", r.DiscountRate*100)
	if r.UsedDefaultScenarios {
		fmt.Fprintln(w, "\nUsed the default scenario table.")
	}
	return nil
}

func newValuateDCFCommand(opts *valuateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dcf",
		Short: "Discounted cash flow valuation",
		Example: `  vcm valuate dcf --revenue 5000000 --growth 0.6 --margin 0.2 --discount-rate 0.18
  vcm valuate dcf --input projections.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in valuation.DCFInput
			if err := readInput(opts.input, cmd.InOrStdin(), &in); err != nil {
				return err
			}
			floatFlag(cmd, "revenue", &in.BaseRevenue)
			floatFlag(cmd, "growth", &in.InitialGrowth)
			floatFlag(cmd, "growth-decay", &in.GrowthDecay)
			floatFlag(cmd, "margin", &in.EBITDAMargin)
			floatFlag(cmd, "tax-rate", &in.TaxRate)
			floatFlag(cmd, "discount-rate", &in.DiscountRate)
			floatFlag(cmd, "terminal-growth", &in.TerminalGrowth)
			floatFlag(cmd, "net-debt", &in.NetDebt)
			floatFlag(cmd, "exit-multiple", &in.ExitMultiple)
			if cmd.Flags().Changed("years") {
				in.Years, _ = cmd.Flags().GetInt("years")
			}

			res, err := valuation.DCF(in)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), config.OutputFormat(opts.output), res, func(w io.Writer) error {
				return outputDCFText(w, res)
			})
		},
	}
	cmd.Flags().Float64("revenue", 0, "Base year revenue")
	cmd.Flags().Float64("growth", 0, "First-year revenue growth")
	cmd.Flags().Float64("growth-decay", 0, "Yearly decay applied to growth")
	cmd.Flags().Int("years", 0, "Projection years (default 5)")
	cmd.Flags().Float64("margin", 0, "EBITDA margin")
	cmd.Flags().Float64("tax-rate", 0, "Tax rate")
	cmd.Flags().Float64("discount-rate", 0, "Discount rate (WACC)")
	cmd.Flags().Float64("terminal-growth", 0, "Perpetual growth for the terminal value")
	cmd.Flags().Float64("net-debt", 0, "Net debt subtracted from enterprise value")
	cmd.Flags().Float64("exit-multiple", 0, "EBITDA exit multiple for the terminal value")
	return cmd
}

func outputDCFText(w io.Writer, r *valuation.DCFResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "YEAR\tGROWTH\tREVENUE\tEBITDA\tFCF\tPV\t")
	for _, p := range r.Projections {
		fmt.Fprintf(tw, "%d\t%.1f%%\t%s\t%s\t%s\t%s\t\n",
			p.Year, p.Growth*100, money(p.Revenue), money(p.EBITDA), money(p.FreeCashFlow), money(p.PresentValue))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "PV of cash flows:   %s\n", money(r.SumPVCashFlows))
	fmt.Fprintf(w, "Terminal value:     %s (%s, PV %s)\n", money(r.TerminalValue), r.TerminalMethod, money(r.PVTerminalValue))
	fmt.Fprintf(w, "Enterprise value:   %s\n", money(r.EnterpriseValue))
	fmt.Fprintf(w, "Equity value:       %s\n", money(r.EquityValue))
	fmt.Fprintf(w, "Terminal share:     %.0f%%\n", r.TerminalValueShare*100)
	return nil
}

func newValuateCAPMCommand(opts *valuateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "capm",
		Short:   "CAPM cost of equity",
		Example: `  vcm valuate capm --risk-free 0.04 --beta 1.2 --erp 0.05 --size-premium 0.02 --specific-premium 0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in valuation.CAPMInput
			if err := readInput(opts.input, cmd.InOrStdin(), &in); err != nil {
				return err
			}
			floatFlag(cmd, "risk-free", &in.RiskFreeRate)
			floatFlag(cmd, "beta", &in.Beta)
			floatFlag(cmd, "erp", &in.EquityRiskPremium)
			floatFlag(cmd, "size-premium", &in.SizePremium)
			floatFlag(cmd, "specific-premium", &in.SpecificPremium)

			res, err := valuation.CAPM(in)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), config.OutputFormat(opts.output), res, func(w io.Writer) error {
				fmt.Fprintf(w, "Cost of equity:  %.2f%%\n", res.CostOfEquity*100)
				fmt.Fprintf(w, "Market risk:     %.2f%%\n", res.MarketRisk*100)
				fmt.Fprintf(w, "Premiums:        %.2f%%\n", res.Premiums*100)
				return nil
			})
		},
	}
	cmd.Flags().Float64("risk-free", 0, "Risk-free rate")
	cmd.Flags().Float64("beta", 0, "Equity beta")
	cmd.Flags().Float64("erp", 0, "Equity risk premium")
	cmd.Flags().Float64("size-premium", 0, "Size premium")
	cmd.Flags().Float64("specific-premium", 0, "Company-specific premium")
	return cmd
}

func newValuateComparablesCommand(opts *valuateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "comparables",
		Aliases: []string{"comps"},
		Short:   "Trading comparables valuation (peers come from --input)",
		Example: `  vcm valuate comps --input peers.yaml --revenue 8000000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in valuation.ComparablesInput
			if err := readInput(opts.input, cmd.InOrStdin(), &in); err != nil {
				return err
			}
			floatFlag(cmd, "revenue", &in.TargetRevenue)
			floatFlag(cmd, "ebitda", &in.TargetEBITDA)
			if cmd.Flags().Changed("metric") {
				in.Metric, _ = cmd.Flags().GetString("metric")
			}
			if len(in.Peers) == 0 {
				return fmt.Errorf("no peers: supply them with --input")
			}

			res, err := valuation.Comparables(in)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), config.OutputFormat(opts.output), res, func(w io.Writer) error {
				return outputComparablesText(w, res)
			})
		},
	}
	cmd.Flags().Float64("revenue", 0, "Target revenue")
	cmd.Flags().Float64("ebitda", 0, "Target EBITDA")
	cmd.Flags().String("metric", "", "Multiple to apply: revenue or ebitda")
	return cmd
}

func outputComparablesText(w io.Writer, r *valuation.ComparablesResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tMULTIPLE\tADJUSTED")
	for _, m := range r.Multiples {
		fmt.Fprintf(tw, "%s\t%.2fx\t%.2fx\n", valueOr(m.Ticker, m.Name), m.Multiple, m.Adjusted)
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(tw, "%s\tskipped\t%s\n", s.Name, s.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "EV/%s median %.2fx (p25 %.2fx, p75 %.2fx)\n", r.Metric, r.Median, r.P25, r.P75)
	fmt.Fprintf(w, "Illiquidity discount: %.0f%%\n", r.IlliquidityDiscount*100)
	fmt.Fprintf(w, "Implied EV: %s (range %s - %s)\n", money(r.ImpliedEVMedian), money(r.ImpliedEVLow), money(r.ImpliedEVHigh))
	return nil
}

// money formats an amount compactly, e.g. $4.50M.
func money(v float64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s$%.2fB", sign, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s$%.2fM", sign, v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%s$%.1fK", sign, v/1e3)
	default:
		return fmt.Sprintf("%s$%.0f", sign, v)
	}
}

func multiple(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fx", *v)
}

func percentPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}
