package main

import (
	"fmt"
	"strconv"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/pattern"
	"github.com/spf13/cobra"
)

func patternCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Manage reference patterns that route bank activities to team accounts",
		Example: `  # Route anything mentioning the server fund to account 12
  dues pattern add 12 "server ?fund"`,
	}

	cmd.AddCommand(addPatternCmd())
	cmd.AddCommand(listPatternsCmd())

	return cmd
}

func addPatternCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add ACCOUNT_ID PATTERN",
		Short: "Add a case-insensitive reference pattern for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account")
			if err != nil {
				return err
			}
			p := &model.AccountPattern{AccountID: accountID, Pattern: args[1]}
			if err := pattern.Validate(*p); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if _, err := store.GetAccount(ctx, accountID); err != nil {
				return fmt.Errorf("account %d: %w", accountID, err)
			}
			if err := store.CreateAccountPattern(ctx, p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Added pattern %d", p.ID)))
			return nil
		},
	}
}

func listPatternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reference patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			patterns, err := store.GetAccountPatterns(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(patterns))
			for _, p := range patterns {
				rows = append(rows, []string{strconv.FormatInt(p.ID, 10), strconv.FormatInt(p.AccountID, 10), p.Pattern})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "Account", "Pattern"}, rows))
			return nil
		},
	}
}
