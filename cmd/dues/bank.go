package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/Veraticus/the-dues-must-flow/internal/memberid"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/plaid"
	"github.com/Veraticus/the-dues-must-flow/internal/reconcile"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/Veraticus/the-dues-must-flow/internal/simplefin"
	"github.com/Veraticus/the-dues-must-flow/internal/storage"
	"github.com/spf13/cobra"
)

func bankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bank",
		Short: "Import bank statements and reconcile them with the ledger",
		Example: `  # Import an MT940 statement file into bank account 1
  dues bank import 1 statement.sta

  # Fetch the last 30 days from Plaid or SimpleFIN
  dues bank fetch 1 --days 30
  dues bank fetch 2 --source simplefin

  # Match activities to members and teams, then book the matches
  dues bank match --accept`,
	}

	cmd.AddCommand(createBankAccountCmd())
	cmd.AddCommand(listBankAccountsCmd())
	cmd.AddCommand(importStatementCmd())
	cmd.AddCommand(fetchStatementCmd())
	cmd.AddCommand(remoteAccountsCmd())
	cmd.AddCommand(statementErrorsCmd())
	cmd.AddCommand(unlinkedActivitiesCmd())
	cmd.AddCommand(matchActivitiesCmd())
	cmd.AddCommand(bindActivityCmd())

	return cmd
}

func newReconciler(store service.Storage) *reconcile.Reconciler {
	return reconcile.NewWithConfig(store, ledger.New(store), appConfig.ReconcileConfig())
}

func createBankAccountCmd() *cobra.Command {
	var bank model.BankAccount

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a bank account with its own BANK_ASSET ledger account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			err = service.WithTransaction(ctx, store, func(tx service.Transaction) error {
				account := &model.Account{Name: "Bank " + bank.Name, Type: model.AccountTypeBankAsset}
				if err := tx.CreateAccount(ctx, account); err != nil {
					return err
				}
				bank.AccountID = account.ID
				return tx.CreateBankAccount(ctx, &bank)
			})
			if err != nil {
				return fmt.Errorf("failed to create bank account: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created bank account %s (ID %d, ledger account %d)",
				bank.Name, bank.ID, bank.AccountID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&bank.Name, "name", "n", "", "Display name")
	cmd.Flags().StringVar(&bank.BankName, "bank", "", "Name of the bank")
	cmd.Flags().StringVar(&bank.IBAN, "iban", "", "IBAN")
	cmd.Flags().StringVar(&bank.BIC, "bic", "", "BIC")
	cmd.Flags().StringVar(&bank.AccountNumber, "account-number", "", "Account number, used to select OFX statements")
	cmd.Flags().StringVar(&bank.RoutingNumber, "routing-number", "", "Routing number")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func listBankAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bank accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			banks, err := store.GetBankAccounts(ctx)
			if err != nil {
				return err
			}
			if len(banks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("No bank accounts registered."))
				return nil
			}

			rows := make([][]string, 0, len(banks))
			for _, b := range banks {
				imported := "never"
				if b.LastImportedAt != nil {
					imported = b.LastImportedAt.Format(time.RFC3339)
				}
				rows = append(rows, []string{strconv.FormatInt(b.ID, 10), b.Name, b.IBAN, strconv.FormatInt(b.AccountID, 10), imported})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle("Bank accounts"))
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "Name", "IBAN", "Account", "Last import"}, rows))
			return nil
		},
	}
}

func importStatementCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "import BANK_ACCOUNT_ID FILE",
		Short: "Import an MT940 or OFX statement file",
		Long: `Import a statement file. Records already in the database are skipped and
records dated today or later are reported as doubtful and not imported.
Statements that fail to parse are stored for review (see "dues bank errors").`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bankID, err := parseID(args[0], "bank account")
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read statement: %w", err)
			}
			if format == "" {
				format = detectFormat(args[1], string(raw))
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			result, err := newReconciler(store).ImportRaw(ctx, bankID, format, string(raw), systemProcessor)
			if err != nil {
				return err
			}
			printImportResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Statement format (mt940, ofx; default: detect)")

	return cmd
}

// detectFormat guesses a statement format from the file name and contents.
func detectFormat(path, raw string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".ofx") || strings.HasSuffix(lower, ".qfx") || strings.Contains(raw, "<OFX>") {
		return reconcile.FormatOFX
	}
	return reconcile.FormatMT940
}

// Statement sources for "bank fetch".
const (
	sourcePlaid     = "plaid"
	sourceSimpleFIN = "simplefin"
)

// remoteSource is a statement source that can also list its accounts.
type remoteSource interface {
	service.StatementSource
	Accounts(ctx context.Context) (map[string]string, error)
}

func newRemoteSource(ctx context.Context, source string) (remoteSource, error) {
	switch source {
	case sourcePlaid:
		client, err := plaid.NewClient(appConfig.PlaidConfig())
		if err != nil {
			return nil, err
		}
		return client, nil
	case sourceSimpleFIN:
		client, err := simplefin.NewClient(ctx, appConfig.SimpleFINConfig())
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown statement source %q (plaid, simplefin)", source)
	}
}

func fetchStatementCmd() *cobra.Command {
	var days int
	var source string

	cmd := &cobra.Command{
		Use:   "fetch BANK_ACCOUNT_ID",
		Short: "Fetch recent statement records from Plaid or SimpleFIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bankID, err := parseID(args[0], "bank account")
			if err != nil {
				return err
			}
			client, err := newRemoteSource(cmd.Context(), source)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			end := time.Now()
			start := end.AddDate(0, 0, -days)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s Fetching %s to %s from %s\n",
				cli.BankIcon, start.Format("2006-01-02"), end.Format("2006-01-02"), source)
			result, err := newReconciler(store).Fetch(ctx, client, bankID, start, end)
			if err != nil {
				return err
			}
			printImportResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Number of days to fetch")
	cmd.Flags().StringVarP(&source, "source", "s", sourcePlaid, "Statement source (plaid, simplefin)")

	return cmd
}

func remoteAccountsCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "remote-accounts",
		Short: "List the accounts a statement source can fetch, for the account mapping",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newRemoteSource(cmd.Context(), source)
			if err != nil {
				return err
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(accounts))
			for id := range accounts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				rows = append(rows, []string{id, accounts[id]})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"Remote account", "Name"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", sourcePlaid, "Statement source (plaid, simplefin)")

	return cmd
}

func printImportResult(cmd *cobra.Command, result *reconcile.ImportResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d new activities, skipped %d already known",
		len(result.New), len(result.Old))))
	for _, a := range result.Doubtful {
		fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Doubtful, not imported: %s %s %s",
			formatDate(a.PostedOn), cli.Amount(a.Amount), a.Reference)))
	}
	for _, e := range result.Errors {
		fmt.Fprintln(out, cli.FormatError(fmt.Sprintf("Statement could not be parsed (error %d): %s", e.ID, e.Exception)))
	}
}

func statementErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "List statements that failed to parse",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			errs, err := store.GetMT940Errors(ctx)
			if err != nil {
				return err
			}
			if len(errs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("No statement errors."))
				return nil
			}
			for _, e := range errs {
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(
					fmt.Sprintf("Error %d, bank account %d, %s", e.ID, e.BankAccountID, e.ImportedAt.Format(time.RFC3339)),
					e.Exception+"\n\n"+cli.SubtleStyle.Render(e.MT940)))
			}
			return nil
		},
	}
}

func unlinkedActivitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlinked",
		Short: "List bank activities not yet booked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			activities, err := store.GetUnlinkedActivities(ctx)
			if err != nil {
				return err
			}
			if len(activities) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("All activities are booked."))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable(activityHeaders, activityRows(activities)))
			return nil
		},
	}
}

var activityHeaders = []string{"ID", "Posted", "Amount", "Counterparty", "Reference"}

func activityRows(activities []model.BankAccountActivity) [][]string {
	rows := make([][]string, 0, len(activities))
	for _, a := range activities {
		rows = append(rows, []string{
			strconv.FormatInt(a.ID, 10),
			formatDate(a.PostedOn),
			cli.FormatAmount(a.Amount),
			a.OtherName,
			a.Reference,
		})
	}
	return rows
}

func matchActivitiesCmd() *cobra.Command {
	var accept bool

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match unlinked activities to members and team accounts",
		Long: `Match every unlinked activity to a member by the member ID in its reference,
or else to a team account by reference pattern. With --accept the matches
are booked; ambiguous and unmatched activities are left for "dues bank bind".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			r := newReconciler(store)
			matches, err := r.MatchActivities(ctx)
			if err != nil {
				return err
			}
			printMatches(cmd, store, matches)

			if !accept {
				return nil
			}
			n, err := r.AcceptMatches(ctx, matches, systemProcessor)
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Booked %d activities", n)))
			return err
		},
	}

	cmd.Flags().BoolVar(&accept, "accept", false, "Book the matches")

	return cmd
}

func printMatches(cmd *cobra.Command, store *storage.SQLiteStorage, m *reconcile.Matches) {
	out := cmd.OutOrStdout()

	if len(m.Users) > 0 {
		rows := make([][]string, 0, len(m.Users))
		for _, u := range m.Users {
			rows = append(rows, []string{strconv.FormatInt(u.Activity.ID, 10), cli.FormatAmount(u.Activity.Amount),
				memberid.Encode(u.User.ID), u.User.Login})
		}
		fmt.Fprintln(out, cli.FormatTitle("Member payments"))
		fmt.Fprintln(out, cli.RenderTable([]string{"Activity", "Amount", "Member ID", "Login"}, rows))
	}

	if len(m.Teams) > 0 {
		rows := make([][]string, 0, len(m.Teams))
		for _, t := range m.Teams {
			name := strconv.FormatInt(t.AccountID, 10)
			if account, err := store.GetAccount(cmd.Context(), t.AccountID); err == nil {
				name = account.Name
			}
			rows = append(rows, []string{strconv.FormatInt(t.Activity.ID, 10), cli.FormatAmount(t.Activity.Amount), name, t.Activity.Reference})
		}
		fmt.Fprintln(out, cli.FormatTitle("Team payments"))
		fmt.Fprintln(out, cli.RenderTable([]string{"Activity", "Amount", "Account", "Reference"}, rows))
	}

	for _, a := range m.Ambiguous {
		ids := make([]string, len(a.AccountIDs))
		for i, id := range a.AccountIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Activity %d matches accounts %s: %s",
			a.Activity.ID, strings.Join(ids, ", "), a.Activity.Reference)))
	}

	if len(m.Unmatched) > 0 {
		fmt.Fprintln(out, cli.FormatTitle("Unmatched"))
		fmt.Fprintln(out, cli.RenderTable(activityHeaders, activityRows(m.Unmatched)))
	}
}

func bindActivityCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "bind ACTIVITY_ID ACCOUNT_ID",
		Short: "Book a bank activity against an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			activityID, err := parseID(args[0], "activity")
			if err != nil {
				return err
			}
			accountID, err := parseID(args[1], "account")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			txn, err := newReconciler(store).Bind(ctx, activityID, accountID, systemProcessor, description)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Booked activity %d as transaction %d", activityID, txn.ID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Transaction description (default: the activity's reference)")

	return cmd
}
