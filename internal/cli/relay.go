package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/huddle/internal/config"
	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/feed"
	"github.com/tOgg1/huddle/internal/feed/amqpfeed"
	"github.com/tOgg1/huddle/internal/logging"
)

const pruneBatch = 1000

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish the change log to RabbitMQ",
		Long: `Tail the local change log and publish every change to the configured
fanout exchange, so clients using the amqp feed backend see it live.

Examples:
  huddle relay
  huddle relay --from-start --prune-after 24h --metrics-addr :9108`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, a)
		},
	}
	cmd.Flags().Bool("from-start", false, "replay the retained change log before following it")
	cmd.Flags().Duration("prune-after", 0, "delete change log entries older than this (0 = keep)")
	cmd.Flags().Duration("prune-interval", 10*time.Minute, "how often to prune")
	return cmd
}

func runRelay(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	fromStart, _ := cmd.Flags().GetBool("from-start")
	pruneAfter, _ := cmd.Flags().GetDuration("prune-after")
	pruneInterval, _ := cmd.Flags().GetDuration("prune-interval")
	if pruneAfter > 0 && pruneInterval <= 0 {
		return usageError(cmd, "--prune-interval must be positive")
	}

	amqpCfg := a.cfg.Feed.AMQP
	if amqpCfg.URL == "" {
		return Exitf(ExitCodeFailure, "relay needs feed.amqp.url (or %s)", config.EnvVar("feed.amqp.url"))
	}

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	publisher, err := amqpfeed.NewPublisher(ctx, amqpfeed.Config{
		URL:         amqpCfg.URL,
		Exchange:    amqpCfg.Exchange,
		QueuePrefix: amqpCfg.QueuePrefix,
		Prefetch:    amqpCfg.Prefetch,
	})
	if err != nil {
		return Exitf(ExitCodeFailure, "connect publisher: %v", err)
	}
	defer publisher.Close()

	tailer := feed.NewTailer(feed.TailerConfig{
		Interval:    a.cfg.Feed.PollInterval,
		MaxInterval: a.cfg.Feed.PollMax,
		FromStart:   fromStart,
	}, rt.changes, publisher, feed.WithMetrics(a.metrics))
	if err := tailer.Start(ctx); err != nil {
		return Exitf(ExitCodeFailure, "start tailer: %v", err)
	}
	defer func() { _ = tailer.Stop() }()

	a.serveMetrics(ctx)
	logger := logging.Component("relay")
	logger.Info().
		Str("broker", logging.MaskURL(amqpCfg.URL)).
		Str("exchange", amqpCfg.Exchange).
		Int64("cursor", tailer.Cursor()).
		Msg("relay running")
	fmt.Fprintf(cmd.ErrOrStderr(), "Relaying change log to %s (Ctrl+C to stop)\n", amqpCfg.Exchange)

	g, gctx := errgroup.WithContext(ctx)
	if pruneAfter > 0 {
		g.Go(func() error {
			prunePeriodically(gctx, rt.changes, pruneAfter, pruneInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return Exitf(ExitCodeFailure, "relay: %v", err)
	}
	logger.Info().Int64("cursor", tailer.Cursor()).Msg("relay stopped")
	return nil
}

// prunePeriodically deletes change log entries older than retention until
// ctx ends. Each round deletes in batches until nothing is left to delete.
func prunePeriodically(ctx context.Context, changes *db.ChangeRepository, retention, every time.Duration) {
	logger := logging.Component("relay")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		var total int64
		cutoff := time.Now().Add(-retention)
		for {
			n, err := changes.DeleteOlderThan(ctx, cutoff, pruneBatch)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("prune change log failed")
				}
				break
			}
			total += n
			if n < pruneBatch {
				break
			}
		}
		if total > 0 {
			logger.Info().Int64("deleted", total).Time("before", cutoff).Msg("pruned change log")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
