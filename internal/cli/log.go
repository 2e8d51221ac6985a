package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/chat"
	"github.com/tOgg1/huddle/internal/models"
)

// messageJSON is the --json shape of one message.
type messageJSON struct {
	ID          string     `json:"id"`
	Kind        string     `json:"channel_kind"`
	SenderID    string     `json:"sender_id"`
	SenderName  string     `json:"sender_name"`
	RecipientID string     `json:"recipient_id,omitempty"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

func messageView(msg *models.Message, names func(string) string) messageJSON {
	name := msg.SenderName
	if name == "" {
		name = names(msg.SenderID)
	}
	return messageJSON{
		ID:          msg.ID,
		Kind:        string(msg.Kind),
		SenderID:    msg.SenderID,
		SenderName:  name,
		RecipientID: msg.RecipientID,
		Body:        msg.Body,
		CreatedAt:   msg.CreatedAt,
		ReadAt:      msg.ReadAt,
	}
}

func newLogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "log [broadcast|user]",
		Aliases: []string{"logs"},
		Short:   "Show conversation history",
		Long:    "Show the most recent messages of a conversation. Defaults to the last opened one. Direct messages shown are marked read.",
		Args:    argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, a, args)
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "max messages to show")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func runLog(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if limit <= 0 {
		return usageError(cmd, "--limit must be positive")
	}

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	me, err := a.localUser(ctx, rt)
	if err != nil {
		return err
	}

	conv := a.lastConversation(me.ID)
	if len(args) == 1 {
		conv, err = conversationArg(ctx, rt, args[0])
		if err != nil {
			return err
		}
	}

	session, done, err := rt.session(ctx, me.ID, false, func(c *chat.Config) {
		if limit > c.HistoryLimit {
			c.HistoryLimit = limit
		}
	})
	if err != nil {
		return err
	}
	defer done()

	if err := session.SelectConversation(ctx, conv); err != nil {
		if errors.Is(err, chat.ErrUnknownCounterparty) {
			return Exitf(ExitCodeFailure, "no conversation with %s", conv.ID())
		}
		return Exitf(ExitCodeFailure, "load history: %v", err)
	}
	a.saveConversation(me.ID, conv)

	msgs := session.ActiveMessages()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	if jsonOutput {
		out := make([]messageJSON, 0, len(msgs))
		for i := range msgs {
			out = append(out, messageView(&msgs[i], session.DisplayName))
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages")
		return nil
	}

	rows := make([][]string, 0, len(msgs))
	for _, msg := range msgs {
		read := "-"
		if msg.IsDirect() {
			read = formatYesNo(msg.IsRead())
		}
		rows = append(rows, []string{
			formatTimestamp(msg.CreatedAt),
			msg.SenderName,
			strings.Join(strings.Fields(msg.Body), " "),
			read,
			msg.ID,
		})
	}
	return writeTable(cmd.OutOrStdout(), []string{"TIME", "FROM", "MESSAGE", "READ", "ID"}, rows)
}
