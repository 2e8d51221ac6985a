package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/chat"
	"github.com/tOgg1/huddle/internal/db"
)

func newReadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [<message-id>...]",
		Short: "Mark direct messages as read",
		Long:  "Mark direct messages as read, either by id or, with --from, everything a user has sent you.",
		Args: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			switch {
			case from != "" && len(args) > 0:
				return usageError(cmd, "pass message ids or --from, not both")
			case from == "" && len(args) == 0:
				return usageError(cmd, "requires a message id or --from <user>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			me, err := a.localUser(ctx, rt)
			if err != nil {
				return err
			}
			session, done, err := rt.session(ctx, me.ID, false)
			if err != nil {
				return err
			}
			defer done()

			if from, _ := cmd.Flags().GetString("from"); from != "" {
				user, err := findUser(ctx, rt.profiles, strings.TrimPrefix(from, "@"))
				if err != nil {
					return Exitf(ExitCodeFailure, "%v", err)
				}
				if err := session.MarkConversationRead(ctx, user.ID); err != nil {
					return Exitf(ExitCodeFailure, "mark read: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked messages from %s read\n", user.DisplayName)
				return nil
			}

			var failed int
			for _, id := range args {
				if err := session.MarkMessageRead(ctx, id); err != nil {
					failed++
					if errors.Is(err, db.ErrMessageNotFound) {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: no unread message addressed to you\n", id)
						continue
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if failed > 0 {
				return &ExitError{Code: ExitCodeFailure, Err: fmt.Errorf("%d of %d messages not marked", failed, len(args)), Printed: true}
			}
			return nil
		},
	}
	cmd.Flags().String("from", "", "mark everything this user sent you as read")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <message-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a message",
		Long:    "Delete a message. Members may delete their own messages; admins may delete any.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			me, err := a.localUser(ctx, rt)
			if err != nil {
				return err
			}
			session, done, err := rt.session(ctx, me.ID, false)
			if err != nil {
				return err
			}
			defer done()

			if err := session.DeleteMessage(ctx, args[0]); err != nil {
				switch {
				case errors.Is(err, chat.ErrPermissionDenied):
					return Exitf(ExitCodeFailure, "not allowed to delete %s: only the sender or an admin may", args[0])
				case errors.Is(err, db.ErrMessageNotFound):
					return Exitf(ExitCodeFailure, "message %s not found", args[0])
				default:
					return Exitf(ExitCodeFailure, "delete: %v", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
