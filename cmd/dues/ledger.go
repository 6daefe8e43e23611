package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/spf13/cobra"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Post, confirm and delete transactions",
		Example: `  # Book a 12.50 cash expense
  dues ledger post --description "Cleaning supplies" 7=12.50 1=-12.50

  # Confirm everything older than the configured threshold
  dues ledger confirm-old`,
	}

	cmd.AddCommand(postCmd())
	cmd.AddCommand(showTransactionCmd())
	cmd.AddCommand(confirmCmd())
	cmd.AddCommand(deleteTransactionCmd())
	cmd.AddCommand(confirmOldCmd())

	return cmd
}

func postCmd() *cobra.Command {
	var description, validOn string
	var unconfirmed bool

	cmd := &cobra.Command{
		Use:   "post ACCOUNT_ID=AMOUNT...",
		Short: "Post a balanced transaction",
		Long: `Post a transaction from two or more splits. Positive amounts debit the
account, negative amounts credit it, and the amounts must sum to zero.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			splits, err := parseSplits(args)
			if err != nil {
				return err
			}
			var opts []ledger.PostOption
			if validOn != "" {
				day, err := parseDate(validOn)
				if err != nil {
					return err
				}
				opts = append(opts, ledger.WithValidOn(day))
			}
			if unconfirmed {
				opts = append(opts, ledger.Unconfirmed())
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			txn, err := ledger.New(store).Post(ctx, description, systemProcessor, splits, opts...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Posted transaction %d valid on %s", txn.ID, formatDate(txn.ValidOn))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Transaction description")
	cmd.Flags().StringVar(&validOn, "valid-on", "", "Valuta date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&unconfirmed, "unconfirmed", false, "Post the transaction unconfirmed")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func showTransactionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TRANSACTION_ID",
		Short: "Show a transaction with its splits and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transaction")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			txn, err := store.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			entries, err := store.GetLogEntries(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			status := cli.WarningStyle.Render("unconfirmed")
			if txn.Confirmed {
				status = cli.SuccessStyle.Render("confirmed")
			}
			fmt.Fprintln(out, cli.FormatTitle(fmt.Sprintf("Transaction %d: %s", txn.ID, txn.Description)))
			fmt.Fprintf(out, "Posted %s, valid on %s, %s\n\n",
				txn.PostedAt.Format(time.RFC3339), formatDate(txn.ValidOn), status)

			rows := make([][]string, 0, len(txn.Splits))
			for _, s := range txn.Splits {
				rows = append(rows, []string{strconv.FormatInt(s.AccountID, 10), cli.FormatAmount(s.Amount)})
			}
			fmt.Fprintln(out, cli.RenderTable([]string{"Account", "Amount"}, rows))

			for _, e := range entries {
				fmt.Fprintf(out, "%s %s\n", cli.SubtleStyle.Render(e.CreatedAt.Format(time.RFC3339)), e.Message)
			}
			return nil
		},
	}
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm TRANSACTION_ID",
		Short: "Confirm an unconfirmed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transaction")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := ledger.New(store).Confirm(ctx, id, systemProcessor); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Confirmed transaction %d", id)))
			return nil
		},
	}
}

func deleteTransactionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TRANSACTION_ID",
		Short: "Delete an unconfirmed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transaction")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := ledger.New(store).Delete(ctx, id, systemProcessor); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Deleted transaction %d", id)))
			return nil
		},
	}
}

func confirmOldCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "confirm-old",
		Short: "Confirm all unconfirmed transactions older than a threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = appConfig.Ledger.ConfirmAfter
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			threshold := time.Now().Add(-olderThan)
			report, err := ledger.New(store).ConfirmAllOlderThan(ctx, threshold, systemProcessor)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Confirmed %d transactions posted before %s",
				len(report.Confirmed), threshold.Format(time.RFC3339))))
			for id, failure := range report.Failed {
				fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Transaction %d: %v", id, failure)))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (default from ledger.confirm_after)")

	return cmd
}
