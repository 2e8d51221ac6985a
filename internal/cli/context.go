package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use [user]",
		Short: "Set the identity commands act as",
		Long: `Set the identity stored in the context file. Commands use it when --as
is not given.

Examples:
  huddle use alice
  huddle use --clear`,
		Args: argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("clear")
			if reset {
				if err := a.contexts.Clear(); err != nil {
					return Exitf(ExitCodeFailure, "clear context: %v", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Context cleared")
				return nil
			}
			if len(args) == 0 {
				stored, err := a.contexts.Load()
				if err != nil {
					return Exitf(ExitCodeFailure, "load context: %v", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), stored.String())
				return nil
			}

			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			user, err := findUser(ctx, rt.profiles, args[0])
			if err != nil {
				return Exitf(ExitCodeFailure, "%v", err)
			}
			stored, err := a.contexts.Load()
			if err != nil {
				return Exitf(ExitCodeFailure, "load context: %v", err)
			}
			stored.SetUser(user.ID, user.DisplayName)
			if err := a.contexts.Save(stored); err != nil {
				return Exitf(ExitCodeFailure, "save context: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Now acting as %s (%s)\n", user.DisplayName, user.ID)
			return nil
		},
	}
	cmd.Flags().Bool("clear", false, "forget the stored identity")
	return cmd
}

func newWhoamiCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity commands act as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jsonOutput, _ := cmd.Flags().GetBool("json")

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			me, err := a.localUser(ctx, rt)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"id":           me.ID,
					"display_name": me.DisplayName,
					"role":         me.Role,
					"source":       me.Source,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %s) via %s\n", me.DisplayName, me.ID, me.Role, me.Source)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
