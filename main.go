package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/deemkeen/agora/web"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:     util.Name,
		Short:   "Federation engine for a federated discussion forum",
		Version: util.GetVersion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delivery queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := db.Open(conf.Conf.DatabasePath, logger)
			if err != nil {
				return err
			}
			logger.Info("Database migrations complete", zap.String("path", conf.Conf.DatabasePath))
			return store.Close()
		},
	}
}

// setup reads the configuration and builds the logger.
func setup() (*util.AppConfig, *zap.Logger, error) {
	conf, err := util.ReadConf(nil)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		conf.Conf.Debug = true
	}
	conf.Conf.DatabasePath = util.ResolveFilePath(conf.Conf.DatabasePath)
	logger, err := util.NewLogger(conf.Conf.Debug)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Configuration loaded", zap.String("config", util.PrettyPrint(conf)))
	return conf, logger, nil
}

func runServe(ctx context.Context) error {
	conf, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Configuration", zap.String("name", util.GetNameAndVersion()), zap.String("domain", conf.Domain()),
		zap.Bool("federation", conf.Federation.Enabled))

	if !conf.Conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := db.Open(conf.Conf.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fed, err := activitypub.New(conf, store, &logNotifier{logger: logger}, logger)
	if err != nil {
		return err
	}
	if _, err := fed.EnsureLocalActor(ctx, domain.ActorSite, "", conf.Site.Name); err != nil {
		return fmt.Errorf("failed to create site actor: %w", err)
	}
	fed.Start()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := web.Serve(ctx, conf, web.NewRouter(conf, store, fed, logger), logger)

	logger.Info("Draining delivery queue")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fed.Stop(drainCtx); err != nil {
		logger.Warn("Delivery queue did not drain", zap.Error(err))
	}
	return serveErr
}

// logNotifier records applied inbound activities.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) OnApplied(_ context.Context, applied activitypub.Applied) {
	n.logger.Debug("Applied inbound activity",
		zap.String("kind", applied.Kind),
		zap.String("activity", applied.ActivityID),
		zap.String("actor", applied.Actor.String()),
		zap.String("object", applied.ObjectRef.String()))
}
