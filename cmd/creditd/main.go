package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/creditengine/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/credits"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagWebhookSecret     = "webhook-secret"
	flagJWTSigningKey     = "jwt-signing-key"
	flagReconcileInterval = "reconcile-interval"
	flagReservationTTL    = "reservation-ttl"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyWebhookSecret     = "webhook_signing_secret"
	configKeyJWTSigningKey     = "jwt_signing_key"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyReservationTTL    = "reservation_ttl"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL    = "sqlite:///tmp/creditengine.db"
	defaultHTTPListenAddr = ":8080"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	WebhookSecret     string
	JWTSigningKey     string
	ReconcileInterval time.Duration
	ReservationTTL    time.Duration
	AllowedOrigins    []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and subscription reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "billing processor webhook signing secret")
	cmd.Flags().String(flagJWTSigningKey, "", "JWT bearer token signing key")
	cmd.Flags().Duration(flagReconcileInterval, 24*time.Hour, "reconciliation sweep interval")
	cmd.Flags().Duration(flagReservationTTL, credits.DefaultReservationTTL, "pending reservation expiry window")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyWebhookSecret:     "WEBHOOK_SIGNING_SECRET",
		configKeyJWTSigningKey:     "JWT_SIGNING_KEY",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeyReservationTTL:    "RESERVATION_TTL",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyJWTSigningKey:     flagJWTSigningKey,
		configKeyReconcileInterval: flagReconcileInterval,
		configKeyReservationTTL:    flagReservationTTL,
		configKeyAllowedOrigins:    flagAllowedOrigins,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() time.Time { return time.Now().UTC() }
	service, err := credits.NewService(store, clock,
		credits.WithReservationTTL(cfg.ReservationTTL),
		credits.WithOperationLogger(&zapOperationLogger{logger: logger.Named("credits")}),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	gateway, err := credits.NewWebhookGateway(service, []byte(cfg.WebhookSecret), credits.DefaultTimestampTolerance)
	if err != nil {
		return fmt.Errorf("webhook gateway init: %w", err)
	}

	reconciler, err := credits.NewReconciler(service, logger.Named("reconciler"), cfg.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	server := httpapi.New(logger.Named("http"), service, gateway, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  []byte(cfg.JWTSigningKey),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		err := reconciler.Run(groupCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	return group.Wait()
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "creditengine.db"
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

// zapOperationLogger adapts zap to the domain's OperationLogger hook.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.EventID != "" {
		fields = append(fields, zap.String("event_id", entry.EventID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credit operation failed", fields...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}
