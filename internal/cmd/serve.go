package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/bus/filelog"
	"github.com/Iron-Ham/docmesh/internal/bus/kafka"
	"github.com/Iron-Ham/docmesh/internal/bus/memory"
	"github.com/Iron-Ham/docmesh/internal/bus/redis"
	"github.com/Iron-Ham/docmesh/internal/config"
	"github.com/Iron-Ham/docmesh/internal/coordinator"
	"github.com/Iron-Ham/docmesh/internal/docstore"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/logging"
	"github.com/Iron-Ham/docmesh/internal/metrics"
	"github.com/Iron-Ham/docmesh/internal/server"
	"github.com/Iron-Ham/docmesh/internal/storage"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// shutdownTimeout bounds the final store flush and bus disconnect.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a docmesh instance",
	Long: `Run a docmesh instance: a websocket document server whose replicas are
kept in sync with every other instance on the same bus and prefix.

Examples:
  # Single instance, in-process bus
  docmesh serve

  # Two instances on one host sharing a directory bus
  docmesh serve --bus file --addr :8000
  docmesh serve --bus file --addr :8001

  # Kafka-backed cluster member
  docmesh serve --bus kafka --identifier host-a`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().String("bus", "", "bus backend: kafka, redis, file, memory (overrides bus.backend)")
	serveCmd.Flags().String("prefix", "", "topic prefix (overrides replication.prefix)")
	serveCmd.Flags().String("identifier", "", "instance identity on the bus (overrides instance.identifier)")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("bus.backend", serveCmd.Flags().Lookup("bus"))
	_ = viper.BindPFlag("replication.prefix", serveCmd.Flags().Lookup("prefix"))
	_ = viper.BindPFlag("instance.identifier", serveCmd.Flags().Lookup("identifier"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rootLogger, err := logging.NewLogger(logging.Options{
		Dir:    cfg.Logging.Dir,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rootLogger.Close() }()
	watchLogLevel(rootLogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := newInstance(ctx, cfg, rootLogger)
	if err != nil {
		return err
	}
	logger := rootLogger.WithInstance(inst.identifier)
	logger.Info("instance started",
		"bus", cfg.Bus.Backend,
		"prefix", cfg.Replication.Prefix,
		"addr", cfg.Server.Addr)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return inst.http.ListenAndServe(ctx)
	})
	serveErr := p.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	closeErr := inst.close(closeCtx)
	logger.Info("instance stopped")

	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

// instance is one fully wired docmesh process.
type instance struct {
	identifier string
	docs       *docstore.Server
	http       *server.Server
}

// newInstance wires the bus binding, replication coordinator, storage and
// HTTP server described by cfg and starts replication.
func newInstance(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*instance, error) {
	identifier := cfg.Instance.ResolveIdentifier()
	logger = logger.WithInstance(identifier)

	events := event.NewBus(event.WithLogger(logger))
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.New(reg).Attach(events)
	}

	binding, err := newBinding(cfg, identifier, logger)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(coordinator.Config{
		Identifier:       identifier,
		Prefix:           cfg.Replication.Prefix,
		GroupIDBase:      cfg.Replication.GroupIDBase,
		DisconnectDelay:  cfg.Replication.DisconnectDelay(),
		LockTimeout:      cfg.Replication.LockTimeout(),
		LockPollInterval: cfg.Replication.LockPollInterval(),
	}, binding, coordinator.WithEventBus(events), coordinator.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	// The coordinator runs first so the lease is held before storage writes.
	extensions := []host.Hooks{coord}
	var db *storage.DB
	if cfg.Storage.Enabled {
		db, err = storage.Open(ctx, storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		extensions = append(extensions, storage.NewExtension(db, logger))
	}

	docs := docstore.New(
		docstore.WithExtensions(extensions...),
		docstore.WithStoreDebounce(cfg.Server.StoreDebounce(), cfg.Server.StoreMaxDebounce()),
		docstore.WithEventBus(events),
		docstore.WithLogger(logger),
	)
	if err := docs.Configure(ctx); err != nil {
		_ = docs.Close(context.WithoutCancel(ctx))
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to start replication: %w", err)
	}

	httpServer := server.New(server.Config{Addr: cfg.Server.Addr}, docs,
		server.WithLogger(logger), server.WithGatherer(reg))

	return &instance{identifier: identifier, docs: docs, http: httpServer}, nil
}

func (i *instance) close(ctx context.Context) error {
	return i.docs.Close(ctx)
}

// newBinding builds the bus binding selected by cfg.Bus.Backend.
func newBinding(cfg *config.Config, identifier string, logger *logging.Logger) (bus.Binding, error) {
	b := cfg.Bus
	switch b.Backend {
	case "kafka":
		return kafka.New(kafka.Config{
			Brokers:     b.Kafka.Brokers,
			ClientID:    identifier,
			DialTimeout: b.DialTimeout(),
		}, logger), nil
	case "redis":
		return redis.New(redis.Config{
			Addr:        b.Redis.Addr,
			Password:    b.Redis.Password,
			DB:          b.Redis.DB,
			ClientName:  identifier,
			DialTimeout: b.DialTimeout(),
		}, logger), nil
	case "file":
		return filelog.New(filelog.Config{
			Dir:          b.File.ResolveDir(),
			PollInterval: b.File.PollInterval(),
		}, logger), nil
	case "memory":
		return memory.NewBroker(memory.WithLogger(logger)).NewBinding(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", b.Backend)
	}
}

// watchLogLevel applies logging.level changes from the config file without
// a restart.
func watchLogLevel(logger *logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		level := logging.ParseLevel(viper.GetString("logging.level"))
		if level == logger.Level() {
			return
		}
		logger.SetLevel(level)
		logger.Info("log level changed", "level", level, "file", e.Name)
	})
	viper.WatchConfig()
}
