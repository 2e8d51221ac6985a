package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/chat"
	"github.com/tOgg1/huddle/internal/config"
	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/events"
	"github.com/tOgg1/huddle/internal/feed"
	"github.com/tOgg1/huddle/internal/feed/amqpfeed"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/metrics"
	"github.com/tOgg1/huddle/internal/models"
)

// app holds what every command shares: flags, config, logger and metrics.
type app struct {
	configFile string
	as         string

	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	contexts *config.ContextStore
}

// flagBindings maps persistent flags onto config keys.
var flagBindings = map[string]string{
	"db":           "database.path",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"metrics-addr": "metrics.addr",
}

func (a *app) init(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if a.configFile != "" {
		loader.SetConfigFile(a.configFile)
	}
	for name, key := range flagBindings {
		if err := loader.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return Exitf(ExitCodeFailure, "bind --%s: %v", name, err)
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "load config: %v", err)
	}
	a.cfg = cfg

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return Exitf(ExitCodeFailure, "open log file: %v", err)
		}
		logCfg.Output = f
	}
	logging.Init(logCfg)
	a.logger = logging.Component("cli")
	a.metrics = metrics.New()
	a.contexts = config.ContextStoreFor(cfg)

	if used := loader.ConfigFileUsed(); used != "" {
		a.logger.Debug().Str("file", used).Msg("config loaded")
	}
	return nil
}

// runtime is one command's open database and repositories.
type runtime struct {
	app      *app
	db       *db.DB
	messages *db.MessageRepository
	profiles *db.ProfileRepository
	changes  *db.ChangeRepository
}

func (a *app) open(ctx context.Context) (*runtime, error) {
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, Exitf(ExitCodeFailure, "prepare directories: %v", err)
	}

	database, err := db.Open(db.Config{
		Path:           a.cfg.DatabasePath(),
		MaxConnections: a.cfg.Database.MaxConnections,
		BusyTimeoutMs:  a.cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "open database: %v", err)
	}
	if err := database.Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, Exitf(ExitCodeFailure, "migrate database: %v", err)
	}

	return &runtime{
		app:      a,
		db:       database,
		messages: db.NewMessageRepository(database),
		profiles: db.NewProfileRepository(database),
		changes:  db.NewChangeRepository(database),
	}, nil
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}

// liveFeed returns the change feed for userID and a function releasing it.
// The local backend tails this database's change log; amqp consumes the
// relay's exchange.
func (rt *runtime) liveFeed(ctx context.Context, userID string) (chat.Feed, func(), error) {
	cfg := rt.app.cfg

	if cfg.Feed.Backend == config.FeedBackendAMQP {
		sub, err := amqpfeed.NewSubscriber(amqpfeed.Config{
			URL:         cfg.Feed.AMQP.URL,
			Exchange:    cfg.Feed.AMQP.Exchange,
			QueuePrefix: cfg.Feed.AMQP.QueuePrefix,
			Prefetch:    cfg.Feed.AMQP.Prefetch,
		}, amqpfeed.WithMetrics(rt.app.metrics))
		if err != nil {
			return nil, nil, Exitf(ExitCodeFailure, "amqp feed: %v", err)
		}
		return sub, func() {}, nil
	}

	broker := events.NewBroker(events.WithBuffer(cfg.Chat.SubscribeBuffer))
	tailer := feed.NewTailer(feed.TailerConfig{
		Interval:    cfg.Feed.PollInterval,
		MaxInterval: cfg.Feed.PollMax,
	}, rt.changes, broker, feed.WithMetrics(rt.app.metrics))
	if err := tailer.Start(ctx); err != nil {
		broker.Close()
		return nil, nil, Exitf(ExitCodeFailure, "start change log tailer: %v", err)
	}

	filter := events.Filter{UserID: userID}
	subscribe := chat.FeedFunc(func(ctx context.Context) (<-chan models.Change, func(), error) {
		return broker.SubscribeFiltered(ctx, filter)
	})
	stop := func() {
		_ = tailer.Stop()
		broker.Close()
	}
	return subscribe, stop, nil
}

// session starts a chat session for userID. One-shot commands pass
// live=false and get a feed that never delivers.
func (rt *runtime) session(ctx context.Context, userID string, live bool, adjust ...func(*chat.Config)) (*chat.Session, func(), error) {
	var (
		f    chat.Feed
		stop func()
	)
	if live {
		var err error
		f, stop, err = rt.liveFeed(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		broker := events.NewBroker()
		f, stop = broker, broker.Close
	}

	cfg := chat.Config{
		LocalUserID:  userID,
		HistoryLimit: rt.app.cfg.Chat.HistoryLimit,
		AutoMarkRead: rt.app.cfg.Chat.AutoMarkRead,
	}
	for _, fn := range adjust {
		fn(&cfg)
	}

	s, err := chat.NewSession(cfg, rt.messages, rt.profiles, f,
		chat.WithLogger(logging.WithUser(logging.Component("chat"), userID)),
		chat.WithMetrics(rt.app.metrics),
	)
	if err != nil {
		stop()
		return nil, nil, Exitf(ExitCodeFailure, "create session: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		stop()
		return nil, nil, Exitf(ExitCodeFailure, "start session: %v", err)
	}
	return s, func() {
		_ = s.Close()
		stop()
	}, nil
}

// serveMetrics exposes the registry when --metrics-addr is set.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, addr); err != nil {
			a.logger.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
}

// saveConversation remembers conv as the last opened one when userID is
// the stored identity.
func (a *app) saveConversation(userID string, conv models.Conversation) {
	stored, err := a.contexts.Load()
	if err != nil {
		a.logger.Debug().Err(err).Msg("load context")
		return
	}
	if stored.UserID != userID {
		return
	}
	stored.SetConversation(conv.ID())
	if err := a.contexts.Save(stored); err != nil {
		a.logger.Debug().Err(err).Msg("save context")
	}
}

func (a *app) lastConversation(userID string) models.Conversation {
	stored, err := a.contexts.Load()
	if err != nil || stored.UserID != userID || stored.Conversation == "" {
		return models.Broadcast()
	}
	return models.ParseConversation(stored.Conversation)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Exitf(ExitCodeFailure, "encode output: %v", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
