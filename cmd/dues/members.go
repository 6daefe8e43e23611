package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/memberid"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/property"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage members and their group memberships",
		Example: `  # Register a member and add them to the member group
  dues user create --login alice --name "Alice Example"
  dues user join 1 --group member --since 2024-01-01

  # Show which properties apply to a member today
  dues user properties 1`,
	}

	cmd.AddCommand(createUserCmd())
	cmd.AddCommand(listUsersCmd())
	cmd.AddCommand(joinGroupCmd())
	cmd.AddCommand(leaveGroupCmd())
	cmd.AddCommand(userPropertiesCmd())

	return cmd
}

func createUserCmd() *cobra.Command {
	var login, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a member with a new user account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				name = login
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			user := &model.User{Login: login, Name: name, RegisteredAt: time.Now()}
			err = service.WithTransaction(ctx, store, func(tx service.Transaction) error {
				account := &model.Account{Name: "User " + login, Type: model.AccountTypeUserAsset}
				if err := tx.CreateAccount(ctx, account); err != nil {
					return err
				}
				user.AccountID = account.ID
				return tx.CreateUser(ctx, user)
			})
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created user %s with member ID %s (account %d)",
				user.Login, memberid.Encode(user.ID), user.AccountID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&login, "login", "l", "", "Unique login")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Full name (default: login)")
	_ = cmd.MarkFlagRequired("login")

	return cmd
}

func listUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members with their member IDs and balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			users, err := store.GetUsers(ctx)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render("No users found."))
				return nil
			}

			rows := make([][]string, 0, len(users))
			for _, u := range users {
				balance, err := store.GetAccountBalance(ctx, u.AccountID)
				if err != nil {
					return err
				}
				rows = append(rows, []string{memberid.Encode(u.ID), u.Login, u.Name, cli.FormatAmount(balance)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle("Members"))
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"Member ID", "Login", "Name", "Balance"}, rows))
			return nil
		},
	}
}

func joinGroupCmd() *cobra.Command {
	var group, since, until string

	cmd := &cobra.Command{
		Use:   "join USER_ID",
		Short: "Add a membership in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			during, err := membershipSpan(since, until)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			g, err := store.GetGroupByName(ctx, group)
			if err != nil {
				return fmt.Errorf("group %q: %w", group, err)
			}
			membership := &model.Membership{UserID: userID, GroupID: g.ID, ActiveDuring: during}
			if err := store.AddMembership(ctx, membership); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Added membership %d in %s for %s",
				membership.ID, g.Name, during)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "Group name")
	cmd.Flags().StringVar(&since, "since", "", "First day of the membership (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&until, "until", "", "Day the membership ends, exclusive (YYYY-MM-DD, default open)")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}

func leaveGroupCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "leave MEMBERSHIP_ID",
		Short: "End a membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "membership")
			if err != nil {
				return err
			}
			end := model.Date(time.Now())
			if at != "" {
				if end, err = parseDate(at); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.EndMembership(ctx, id, end); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Membership %d ends on %s", id, formatDate(end))))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "End date, exclusive (YYYY-MM-DD, default today)")

	return cmd
}

func userPropertiesCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "properties USER_ID",
		Short: "Show the properties a member has at a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			when := time.Now()
			if at != "" {
				if when, err = parseDate(at); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			states, err := property.NewResolver(store).Properties(ctx, userID, when)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				state := states[name].String()
				if states[name] == property.Denied {
					state = cli.ErrorStyle.Render(state)
				} else {
					state = cli.SuccessStyle.Render(state)
				}
				rows = append(rows, []string{name, state})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatTitle(fmt.Sprintf("Properties of user %d at %s", userID, when.Format(dateLayout))))
			if len(rows) == 0 {
				fmt.Fprintln(out, cli.SubtleStyle.Render("No properties."))
				return nil
			}
			fmt.Fprintln(out, cli.RenderTable([]string{"Property", "State"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Point in time (YYYY-MM-DD, default now)")

	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage property groups",
		Example: `  # Members pay the membership fee, honorary members never do
  dues group create member
  dues group grant member membership_fee
  dues group create honorary
  dues group deny honorary membership_fee`,
	}

	cmd.AddCommand(createGroupCmd())
	cmd.AddCommand(setPropertyCmd("grant", true))
	cmd.AddCommand(setPropertyCmd("deny", false))

	return cmd
}

func createGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a property group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			group := &model.Group{Name: args[0]}
			if err := store.CreateGroup(ctx, group); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Created group "+group.Name+" (ID "+strconv.FormatInt(group.ID, 10)+")"))
			return nil
		},
	}
}

func setPropertyCmd(verb string, granted bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " GROUP PROPERTY",
		Short: "Set a property entry of a group to " + verb,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			group, err := store.GetGroupByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("group %q: %w", args[0], err)
			}
			p, err := property.NewResolver(store).UpsertProperty(ctx, group.ID, args[1], granted)
			if err != nil {
				return err
			}
			state := property.Denied
			if p.Granted {
				state = property.Granted
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Group %s: %s is %s", group.Name, p.Name, state)))
			return nil
		},
	}
}

// membershipSpan builds the [since, until) interval of a membership.
func membershipSpan(since, until string) (interval.Interval[time.Time], error) {
	begin := model.Date(time.Now())
	if since != "" {
		var err error
		if begin, err = parseDate(since); err != nil {
			return interval.Interval[time.Time]{}, err
		}
	}
	if until == "" {
		return interval.Since(begin), nil
	}
	end, err := parseDate(until)
	if err != nil {
		return interval.Interval[time.Time]{}, err
	}
	return interval.New(&begin, &end)
}
