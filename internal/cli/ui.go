package cli

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/huddle/internal/models"
	"github.com/tOgg1/huddle/internal/tui"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "chat [broadcast|user]",
		Aliases: []string{"ui"},
		Short:   "Open the interactive chat screen",
		Long:    "Open the interactive chat screen with live updates. Starts in the given conversation, or the last one opened.",
		Args:    argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !hasTTY() {
				return Exitf(ExitCodeFailure, "chat requires an interactive terminal; use 'huddle send' and 'huddle log' instead")
			}
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
			initial := a.lastConversation(me.ID)
			if len(args) == 1 {
				if initial, err = conversationArg(ctx, rt, args[0]); err != nil {
					return err
				}
			}

			a.serveMetrics(ctx)
			session, done, err := rt.session(ctx, me.ID, true)
			if err != nil {
				return err
			}
			defer done()

			err = tui.Run(ctx, tui.Config{
				Session: session,
				Initial: initial,
				OnSelect: func(conv models.Conversation) {
					a.saveConversation(me.ID, conv)
				},
			})
			if err != nil {
				return Exitf(ExitCodeFailure, "chat: %v", err)
			}
			return nil
		},
	}
}

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
