package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/events"
	"github.com/tOgg1/huddle/internal/models"
)

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream changes visible to you",
		Long: `Stream message changes the local user can see: broadcast traffic and
direct messages they send or receive. Runs until interrupted.

Examples:
  huddle watch
  huddle watch --type insert --jsonl
  huddle watch --count 1 --timeout 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a)
		},
	}
	cmd.Flags().StringSlice("type", nil, "change types to show (insert, update, delete)")
	cmd.Flags().Bool("jsonl", false, "emit one JSON change per line")
	cmd.Flags().Int("count", 0, "exit after this many changes (0 = unlimited)")
	cmd.Flags().Duration("timeout", 0, "exit after this long (0 = no timeout)")
	return cmd
}

func runWatch(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	types, _ := cmd.Flags().GetStringSlice("type")
	jsonl, _ := cmd.Flags().GetBool("jsonl")
	count, _ := cmd.Flags().GetInt("count")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	filter, err := watchFilter(types)
	if err != nil {
		return usageError(cmd, err.Error())
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
	filter.UserID = me.ID

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	a.serveMetrics(ctx)

	feed, stop, err := rt.liveFeed(ctx, me.ID)
	if err != nil {
		return err
	}
	defer stop()

	changes, cancel, err := feed.Subscribe(ctx)
	if err != nil {
		return Exitf(ExitCodeFailure, "subscribe: %v", err)
	}
	defer cancel()

	names := make(map[string]string)
	if users, err := rt.profiles.List(ctx); err == nil {
		for _, u := range users {
			names[u.ID] = u.DisplayName
		}
	}

	out := cmd.OutOrStdout()
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if !filter.Matches(&change) {
				continue
			}
			if err := writeChange(out, &change, names, jsonl); err != nil {
				return err
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func watchFilter(types []string) (events.Filter, error) {
	var filter events.Filter
	for _, raw := range types {
		t := models.ChangeType(strings.ToLower(strings.TrimSpace(raw)))
		switch t {
		case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
			filter.Types = append(filter.Types, t)
		default:
			return filter, fmt.Errorf("unknown change type %q (use insert, update or delete)", raw)
		}
	}
	return filter, nil
}

func writeChange(out io.Writer, change *models.Change, names map[string]string, jsonl bool) error {
	if jsonl {
		data, err := json.Marshal(change)
		if err != nil {
			return Exitf(ExitCodeFailure, "encode change: %v", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	rec := change.Record()
	if rec == nil {
		return nil
	}
	name := names[rec.SenderID]
	if name == "" {
		name = rec.SenderID
	}
	where := models.BroadcastID
	if rec.IsDirect() {
		where = "→ " + rec.RecipientID
	}

	var line string
	switch change.Type {
	case models.ChangeInsert:
		line = fmt.Sprintf("%s: %s", name, strings.Join(strings.Fields(rec.Body), " "))
	case models.ChangeUpdate:
		line = fmt.Sprintf("read %s", rec.ID)
	case models.ChangeDelete:
		line = fmt.Sprintf("deleted %s", rec.ID)
	}
	stamp := rec.CreatedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	_, err := fmt.Fprintf(out, "%s [%s] %s %s\n", stamp.Local().Format("15:04:05"), change.Type, where, line)
	return err
}
