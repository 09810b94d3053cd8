package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/trucklane/points/internal/notify"
	"github.com/trucklane/points/internal/oplog"
	"github.com/trucklane/points/internal/store/gormstore"
	"github.com/trucklane/points/pkg/wallet"
)

const (
	flagDatabaseURL     = "database-url"
	flagNATSURL         = "nats-url"
	flagPointsPerDollar = "points-per-dollar"

	configKeyDatabaseURL     = "database_url"
	configKeyNATSURL         = "nats_url"
	configKeyPointsPerDollar = "points_per_dollar"

	defaultDatabaseURL     = "sqlite:///tmp/points.db"
	defaultPointsPerDollar = 100
)

type runtimeConfig struct {
	DatabaseURL     string
	NATSURL         string
	PointsPerDollar int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "points: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "points",
		Short:         "Sponsored driver points wallet and ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagNATSURL, "", "NATS server URL for balance-changed events (optional)")
	cmd.PersistentFlags().Int64(flagPointsPerDollar, defaultPointsPerDollar, "default points-per-dollar conversion ratio")

	cmd.AddCommand(
		newGrantCommand(cfg),
		newSpendCommand(cfg),
		newBalanceCommand(cfg),
		newSetPrimaryCommand(cfg),
		newCheckoutCommand(cfg),
		newRefundCommand(cfg),
		newTerminateCommand(cfg),
		newTransactionsCommand(cfg),
		newLedgerCommand(cfg),
		newConvertCommand(cfg),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyNATSURL, "NATS_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyPointsPerDollar, "POINTS_PER_DOLLAR"); err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	if err := viper.BindPFlag(configKeyDatabaseURL, flags.Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyNATSURL, flags.Lookup(flagNATSURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyPointsPerDollar, flags.Lookup(flagPointsPerDollar)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.NATSURL = viper.GetString(configKeyNATSURL)
	cfg.PointsPerDollar = viper.GetInt64(configKeyPointsPerDollar)
	if cfg.PointsPerDollar == 0 {
		cfg.PointsPerDollar = defaultPointsPerDollar
	}
	return nil
}

// runtime bundles the wired service and its cleanup hooks for one invocation.
type runtime struct {
	service *wallet.Service
	cleanup func()
}

func newRuntime(ctx context.Context, cfg *runtimeConfig) (*runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	gormDB, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("database open: %w", err)
	}

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = closeDB()
			_ = logger.Sync()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var natsConn *nats.Conn
	notifier := wallet.BalanceNotifier(notify.NewLogNotifier(logger))
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			_ = closeDB()
			_ = logger.Sync()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		notifier = notify.NewBusNotifier(natsConn)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := wallet.NewService(store, clock,
		wallet.WithOperationLogger(oplog.New(logger)),
		wallet.WithBalanceNotifier(notifier),
	)
	if err != nil {
		if natsConn != nil {
			natsConn.Close()
		}
		_ = closeDB()
		_ = logger.Sync()
		return nil, fmt.Errorf("service init: %w", err)
	}

	cleanup := func() {
		if natsConn != nil {
			// Give the fire-and-forget notify goroutine a moment to flush.
			_ = natsConn.FlushTimeout(2 * time.Second)
			natsConn.Close()
		}
		_ = closeDB()
		_ = logger.Sync()
	}
	return &runtime{service: service, cleanup: cleanup}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "points.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
