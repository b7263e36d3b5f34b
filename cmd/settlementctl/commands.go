package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"iao-settlement/internal/allocation"
	"iao-settlement/internal/bootstrap"
	"iao-settlement/internal/config"
	"iao-settlement/internal/distribution"
	"iao-settlement/pkg/logger"
)

var (
	startSupply    string
	startToken     string
	startBurn      bool
	startBurnPct   string
	startBurnToken string
	startSteps     []string
	startBy        string
	ledgerToken    string
	recoverOlder   time.Duration
	planDecimals   int32
)

func init() {
	// start command
	startCmd := &cobra.Command{
		Use:   "start AGENT",
		Short: "Run a distribution for an agent and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&startSupply, "supply", "", "total minted supply in token units")
	startCmd.Flags().StringVar(&startToken, "token", "", "token contract address")
	startCmd.Flags().BoolVar(&startBurn, "burn", false, "include the burn step")
	startCmd.Flags().StringVar(&startBurnPct, "burn-percentage", "", "percentage of raised funds to burn (default from config)")
	startCmd.Flags().StringVar(&startBurnToken, "burn-token", "", "asset to burn (default: the distributed token)")
	startCmd.Flags().StringSliceVar(&startSteps, "steps", nil, "subset of creator,airdrop,mining,liquidity")
	startCmd.Flags().StringVar(&startBy, "by", "", "operator recorded as initiator")
	_ = startCmd.MarkFlagRequired("supply")
	_ = startCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(startCmd)

	// retry command
	retryCmd := &cobra.Command{
		Use:   "retry ATTEMPT",
		Short: "Retry a failed or partially failed attempt",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	rootCmd.AddCommand(retryCmd)

	// ledger command
	ledgerCmd := &cobra.Command{
		Use:   "ledger AGENT",
		Short: "Show the merged step ledger for an agent and token",
		Args:  cobra.ExactArgs(1),
		RunE:  runLedger,
	}
	ledgerCmd.Flags().StringVar(&ledgerToken, "token", "", "token contract address")
	_ = ledgerCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(ledgerCmd)

	// attempts command
	attemptsCmd := &cobra.Command{
		Use:   "attempts AGENT",
		Short: "List distribution attempts of an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttempts,
	}
	rootCmd.AddCommand(attemptsCmd)

	// recover command
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Finalize PENDING attempts left behind by a crashed process",
		Args:  cobra.NoArgs,
		RunE:  runRecover,
	}
	recoverCmd.Flags().DurationVar(&recoverOlder, "older-than", 0, "age threshold (default from config)")
	rootCmd.AddCommand(recoverCmd)

	// plan command
	planCmd := &cobra.Command{
		Use:   "plan SUPPLY",
		Short: "Print the allocation of a total supply without touching the chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	planCmd.Flags().Int32Var(&planDecimals, "decimals", 18, "token decimals")
	rootCmd.AddCommand(planCmd)
}

func openApp(ctx context.Context) (*bootstrap.App, error) {
	path := configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return bootstrap.New(ctx, cfg, bootstrap.WithoutJobs())
}

func runStart(cmd *cobra.Command, args []string) error {
	req := distribution.StartRequest{
		AgentID:      args[0],
		TotalSupply:  startSupply,
		TokenAddress: startToken,
		InitiatedBy:  startBy,
		Options: distribution.Options{
			IncludeBurn:      startBurn,
			BurnTokenAddress: startBurnToken,
		},
	}
	for _, s := range startSteps {
		req.Options.Steps = append(req.Options.Steps, distribution.StepType(strings.ToLower(strings.TrimSpace(s))))
	}
	if startBurnPct != "" {
		pct, err := decimal.NewFromString(startBurnPct)
		if err != nil {
			return fmt.Errorf("invalid --burn-percentage: %w", err)
		}
		req.Options.BurnPercentage = pct
	}

	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	attempt, err := app.Coordinator.Start(ctx, req)
	if attempt != nil {
		if perr := printAttempt(cmd.OutOrStdout(), attempt); perr != nil {
			return perr
		}
	}
	return err
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	attempt, err := app.Coordinator.Retry(ctx, args[0])
	if attempt != nil {
		if perr := printAttempt(cmd.OutOrStdout(), attempt); perr != nil {
			return perr
		}
	}
	return err
}

func runLedger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ledger, err := app.Coordinator.Ledger(ctx, args[0], ledgerToken)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		return writeJSON(out, ledger)
	}
	table := newTable(out, "step", "status", "amount", "tx", "attempt")
	for _, step := range distribution.ExecutionOrder {
		entry, ok := ledger[step]
		if !ok {
			table.Append([]string{string(step), "-", "-", "-", "-"})
			continue
		}
		table.Append([]string{string(step), string(entry.Status), entry.Amount, orDash(entry.TxHash), entry.AttemptID})
	}
	table.Render()
	return nil
}

func runAttempts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	attempts, err := app.Coordinator.Attempts(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		if attempts == nil {
			attempts = []*distribution.Attempt{}
		}
		return writeJSON(out, attempts)
	}
	table := newTable(out, "id", "status", "token", "steps", "created", "retry of", "error")
	for _, a := range attempts {
		table.Append([]string{
			a.ID, string(a.Status), a.TokenAddress, strconv.Itoa(len(a.Steps)),
			time.UnixMilli(a.CreatedAt).UTC().Format(time.RFC3339),
			orDash(a.RetryOf), orDash(a.Error),
		})
	}
	table.Render()
	return nil
}

func runRecover(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var recovered []*distribution.Attempt
	if recoverOlder > 0 {
		recovered, err = app.Coordinator.RecoverStale(ctx, recoverOlder)
	} else {
		recovered, err = app.RecoverStale(ctx)
	}
	for _, a := range recovered {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", a.ID, a.AgentID, a.Status)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d attempt(s)\n", len(recovered))
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, err := allocation.SplitSupply(args[0], planDecimals)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		return writeJSON(out, plan.Snapshot())
	}
	table := newTable(out, "bucket", "bps", "amount", "smallest unit")
	for _, b := range allocation.Buckets {
		table.Append([]string{string(b), strconv.FormatInt(allocation.BasisPoints[b], 10), plan.Display(b), plan.Amount(b).String()})
	}
	table.Render()
	return nil
}

func printAttempt(out io.Writer, a *distribution.Attempt) error {
	if outputJSON {
		return writeJSON(out, a)
	}
	fmt.Fprintf(out, "attempt %s: %s\n", a.ID, a.Status)
	if a.RetryOf != "" {
		fmt.Fprintf(out, "retry of %s\n", a.RetryOf)
	}
	if a.Error != "" {
		fmt.Fprintf(out, "error: %s\n", a.Error)
	}
	if len(a.Steps) == 0 {
		return nil
	}
	table := newTable(out, "step", "status", "amount", "tx", "error")
	for _, s := range a.Steps {
		table.Append([]string{string(s.Type), string(s.Status), s.Amount, orDash(s.TxHash), orDash(s.Error)})
	}
	table.Render()
	return nil
}

// newTable returns a borderless, left-aligned table.
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetHeaderLine(false)
	return table
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
