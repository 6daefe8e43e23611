package main

import (
	"fmt"
	"strconv"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/spf13/cobra"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage ledger accounts",
		Example: `  # Create a revenue account for membership fees
  dues account create --name "Membership fees" --type REVENUE

  # Show all accounts with balances
  dues account list`,
	}

	cmd.AddCommand(createAccountCmd())
	cmd.AddCommand(listAccountsCmd())
	cmd.AddCommand(accountBalanceCmd())

	return cmd
}

func createAccountCmd() *cobra.Command {
	var name, accountType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ledger account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := model.ParseAccountType(accountType)
			if err != nil {
				return err
			}

			store, err := initStorage(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			account := &model.Account{Name: name, Type: t}
			if err := store.CreateAccount(cmd.Context(), account); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created %s account %q (ID %d)", account.Type, account.Name, account.ID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Account name")
	cmd.Flags().StringVarP(&accountType, "type", "t", string(model.AccountTypeAsset), "Account type (ASSET, USER_ASSET, BANK_ASSET, LIABILITY, EXPENSE, REVENUE)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func listAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with their balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			accounts, err := store.GetAccounts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("No accounts found."))
				return nil
			}

			rows := make([][]string, 0, len(accounts))
			for _, a := range accounts {
				balance, err := store.GetAccountBalance(ctx, a.ID)
				if err != nil {
					return fmt.Errorf("failed to get balance of account %d: %w", a.ID, err)
				}
				name := a.Name
				if a.Legacy {
					name += cli.SubtleStyle.Render(" (legacy)")
				}
				rows = append(rows, []string{strconv.FormatInt(a.ID, 10), name, string(a.Type), cli.FormatAmount(balance)})
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle("Accounts"))
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "Name", "Type", "Balance"}, rows))
			return nil
		},
	}
}

func accountBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT_ID",
		Short: "Show an account's balance and splits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "account")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			account, err := store.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			splits, err := store.GetSplitsByAccount(ctx, id)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(splits))
			for _, s := range splits {
				rows = append(rows, []string{strconv.FormatInt(s.TransactionID, 10), cli.FormatAmount(s.Amount)})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatTitle(account.Name))
			if len(rows) > 0 {
				fmt.Fprintln(out, cli.RenderTable([]string{"Transaction", "Amount"}, rows))
			}
			fmt.Fprintf(out, "\nBalance: %s\n", cli.FormatAmount(model.Balance(splits)))
			return nil
		},
	}
}
