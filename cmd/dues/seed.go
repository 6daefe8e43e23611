package main

import (
	"fmt"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/seed"
	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load accounts, groups, members and fees from a YAML file",
		Long: `Create the organisation described by a YAML seed file in a single
transaction: accounts, bank accounts, buildings with rooms, groups with
their property grants, users with memberships and residences, fees and
reference patterns. Nothing is written if any entry fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := seed.LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			result, err := seed.Apply(ctx, store, file)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
				"Seeded %d accounts, %d users with %d memberships, %d fees, %d patterns",
				result.Accounts, result.Users, result.Memberships, result.Fees, result.Patterns)))
			return nil
		},
	}
}
