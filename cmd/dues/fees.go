package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/fee"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/spf13/cobra"
)

func feeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Define and post membership fees",
		Example: `  # Define the January fee, billable to members of the 1st or 15th
  dues fee create --name 2024-01 --amount 5.00 --begins 2024-01-01 --ends 2024-01-31 \
    --booking-begin 1 --booking-end 15

  # Preview who would be billed, then post
  dues fee post 1 --simulate
  dues fee post 1`,
	}

	cmd.AddCommand(createFeeCmd())
	cmd.AddCommand(listFeesCmd())
	cmd.AddCommand(postFeeCmd())
	cmd.AddCommand(estimateCmd())
	cmd.AddCommand(unlockFeeCmd())

	return cmd
}

func createFeeCmd() *cobra.Command {
	var name, amount, begins, ends string
	var bookingBegin, bookingEnd, deadline, deadlineFinal int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a membership fee period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			regular, err := cli.ParseAmount(amount)
			if err != nil {
				return err
			}
			beginsOn, err := parseDate(begins)
			if err != nil {
				return err
			}
			endsOn, err := parseDate(ends)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			f := &model.MembershipFee{
				Name:                 name,
				RegularFee:           regular,
				BeginsOn:             beginsOn,
				EndsOn:               endsOn,
				BookingBegin:         bookingBegin,
				BookingEnd:           bookingEnd,
				PaymentDeadline:      deadline,
				PaymentDeadlineFinal: deadlineFinal,
			}
			if err := store.CreateMembershipFee(ctx, f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created fee %s (ID %d)", f.Name, f.ID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Fee name, used in posting descriptions")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Regular fee, e.g. 5.00")
	cmd.Flags().StringVar(&begins, "begins", "", "First day of the period (YYYY-MM-DD)")
	cmd.Flags().StringVar(&ends, "ends", "", "Last day of the period (YYYY-MM-DD)")
	cmd.Flags().IntVar(&bookingBegin, "booking-begin", 1, "Day offset of the first booking checkpoint")
	cmd.Flags().IntVar(&bookingEnd, "booking-end", 1, "Day offset of the second booking checkpoint")
	cmd.Flags().IntVar(&deadline, "payment-deadline", 14, "Days until payment is due")
	cmd.Flags().IntVar(&deadlineFinal, "payment-deadline-final", 42, "Days until the final payment deadline")
	for _, required := range []string{"name", "amount", "begins", "ends"} {
		_ = cmd.MarkFlagRequired(required)
	}

	return cmd
}

func listFeesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List membership fees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fees, err := store.GetMembershipFees(ctx)
			if err != nil {
				return err
			}
			if len(fees) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("No fees defined."))
				return nil
			}

			rows := make([][]string, 0, len(fees))
			for _, f := range fees {
				rows = append(rows, []string{
					strconv.FormatInt(f.ID, 10),
					f.Name,
					cli.Amount(f.RegularFee),
					formatDate(f.BeginsOn) + " .. " + formatDate(f.EndsOn),
					f.BookingBeginCheckpoint().Format(dateLayout),
					f.BookingEndCheckpoint().Format(dateLayout),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle("Membership fees"))
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "Name", "Fee", "Period", "Checkpoint 1", "Checkpoint 2"}, rows))
			return nil
		},
	}
}

func postFeeCmd() *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "post FEE_ID",
		Short: "Bill a membership fee to every eligible member",
		Long: `Bill the fee to every user who holds the fee property at one of the
fee's booking checkpoints and has not been billed for the period yet.
All postings of a run commit together. With --simulate nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feeID, err := parseID(args[0], "fee")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			engine := fee.NewWithConfig(store, ledger.New(store), appConfig.FeeConfig())
			if appConfig.Fees.Checkpoint && !simulate {
				manager, err := store.NewCheckpointManager()
				if err != nil {
					return fmt.Errorf("failed to create checkpoint manager: %w", err)
				}
				engine.SetCheckpointer(manager)
			}
			engine.OnProgress(cli.ProgressFunc(cmd.ErrOrStderr(), "Evaluating members"))

			affected, err := engine.PostFee(ctx, feeID, systemProcessor, simulate)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(affected) == 0 {
				fmt.Fprintln(out, cli.FormatInfo("No member is billable for this fee."))
				return nil
			}

			rows := make([][]string, 0, len(affected))
			var total int64
			for _, a := range affected {
				total += a.Amount
				txn := "-"
				if a.TransactionID != 0 {
					txn = strconv.FormatInt(a.TransactionID, 10)
				}
				rows = append(rows, []string{a.Login, string(a.Checkpoint), strconv.FormatInt(a.FeeAccountID, 10), cli.Amount(a.Amount), txn})
			}
			fmt.Fprintln(out, cli.RenderTable([]string{"Login", "Checkpoint", "Fee account", "Amount", "Transaction"}, rows))

			summary := fmt.Sprintf("Billed %d members, %s in total", len(affected), cli.Amount(total))
			if simulate {
				summary = fmt.Sprintf("Would bill %d members, %s in total", len(affected), cli.Amount(total))
			}
			fmt.Fprintln(out, cli.FormatSuccess(summary))
			return nil
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "Only list the members that would be billed")

	return cmd
}

func unlockFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock FEE_ID",
		Short: "Release the run marker of an interrupted fee run",
		Long: `Release the run marker a fee run holds while posting. A run that was
killed before finishing leaves its marker behind and blocks further runs of
the fee until fees.run_timeout passes. Only unlock a fee no one is posting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feeID, err := parseID(args[0], "fee")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			engine := fee.NewWithConfig(store, ledger.New(store), appConfig.FeeConfig())
			released, err := engine.Unlock(ctx, feeID, systemProcessor)
			if err != nil {
				return err
			}
			if released == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("Fee %d has no open run.", feeID)))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Released %d open run(s) of fee %d", released, feeID)))
			return nil
		},
	}
}

func estimateCmd() *cobra.Command {
	var until string

	cmd := &cobra.Command{
		Use:   "estimate USER_ID",
		Short: "Estimate a member's balance at a future date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			end := time.Now()
			if until != "" {
				if end, err = parseDate(until); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			engine := fee.NewWithConfig(store, ledger.New(store), appConfig.FeeConfig())
			balance, err := engine.EstimateBalance(ctx, userID, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Estimated balance of user %d on %s: %s\n",
				userID, end.Format(dateLayout), cli.FormatAmount(balance))
			return nil
		},
	}

	cmd.Flags().StringVar(&until, "until", "", "End date (YYYY-MM-DD, default today)")

	return cmd
}
