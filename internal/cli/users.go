package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/models"
)

func newUsersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "users",
		Aliases: []string{"user", "who"},
		Short:   "Manage the user directory",
	}
	cmd.AddCommand(newUsersAddCmd(a), newUsersListCmd(a), newUsersRemoveCmd(a))
	return cmd
}

func newUsersAddCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a directory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := strings.TrimSpace(args[0])
			if id == "" || strings.EqualFold(id, models.BroadcastID) || models.IsProvisional(id) {
				return usageError(cmd, fmt.Sprintf("invalid user id %q", args[0]))
			}
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			if strings.TrimSpace(name) == "" {
				name = id
			}

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			profile := &models.Counterparty{ID: id, DisplayName: strings.TrimSpace(name), Role: strings.ToLower(strings.TrimSpace(role))}
			if err := rt.profiles.Upsert(ctx, profile); err != nil {
				return Exitf(ExitCodeFailure, "save user: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %s)\n", profile.DisplayName, profile.ID, profile.Role)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name (defaults to the id)")
	cmd.Flags().String("role", "member", "role; admins may delete any message")
	return cmd
}

func newUsersListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls [filter]",
		Aliases: []string{"list"},
		Short:   "List directory entries",
		Args:    argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jsonOutput, _ := cmd.Flags().GetBool("json")
			filter := ""
			if len(args) == 1 {
				filter = strings.ToLower(strings.TrimSpace(args[0]))
			}

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			users, err := rt.profiles.List(ctx)
			if err != nil {
				return Exitf(ExitCodeFailure, "list users: %v", err)
			}
			out := users[:0]
			for _, u := range users {
				if filter == "" ||
					strings.Contains(strings.ToLower(u.DisplayName), filter) ||
					strings.Contains(strings.ToLower(u.Role), filter) {
					out = append(out, u)
				}
			}
			sort.SliceStable(out, func(i, j int) bool {
				if out[i].Role != out[j].Role {
					return out[i].Role < out[j].Role
				}
				return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
			})

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			if len(out) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No users")
				return nil
			}
			rows := make([][]string, 0, len(out))
			for _, u := range out {
				rows = append(rows, []string{u.ID, u.DisplayName, u.Role})
			}
			return writeTable(cmd.OutOrStdout(), []string{"ID", "NAME", "ROLE"}, rows)
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newUsersRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a directory entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.profiles.Delete(ctx, args[0]); err != nil {
				if errors.Is(err, db.ErrProfileNotFound) {
					return Exitf(ExitCodeFailure, "user %s not found", args[0])
				}
				return Exitf(ExitCodeFailure, "remove user: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}
