package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

type unreadJSON struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Count      int    `json:"count"`
}

func newUnreadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show unread direct messages per sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnread(cmd, a)
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func runUnread(cmd *cobra.Command, a *app) error {
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
	session, done, err := rt.session(ctx, me.ID, false)
	if err != nil {
		return err
	}
	defer done()

	// Start only logs a failed resync; run it again to surface the error.
	if err := session.Ledger().Resync(ctx); err != nil {
		return Exitf(ExitCodeFailure, "count unread: %v", err)
	}

	counts := session.UnreadCounts()
	entries := make([]unreadJSON, 0, len(counts))
	for sender, n := range counts {
		entries = append(entries, unreadJSON{SenderID: sender, SenderName: session.DisplayName(sender), Count: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].SenderID < entries[j].SenderID
	})

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"total":   session.UnreadTotal(),
			"senders": entries,
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No unread messages")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.SenderName, e.SenderID, strconv.Itoa(e.Count)})
	}
	if err := writeTable(cmd.OutOrStdout(), []string{"FROM", "ID", "UNREAD"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", session.UnreadTotal())
	return nil
}
