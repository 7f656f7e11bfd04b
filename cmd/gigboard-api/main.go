package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigboard/gigboard/internal/analytics"
	"github.com/gigboard/gigboard/internal/auth"
	"github.com/gigboard/gigboard/internal/config"
	"github.com/gigboard/gigboard/internal/database"
	"github.com/gigboard/gigboard/internal/github"
	"github.com/gigboard/gigboard/internal/logging"
	"github.com/gigboard/gigboard/internal/server"
	"github.com/gigboard/gigboard/internal/storage"
	"github.com/gigboard/gigboard/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gigboard-api",
		Short: "Gigboard marketplace backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("github-api-base", defaults.GetString("github.api_base"), "GitHub API base URL")
	cmd.PersistentFlags().String("analytics-host", defaults.GetString("analytics.host"), "Analytics capture host")
	cmd.PersistentFlags().String("storage-directory", defaults.GetString("storage.directory"), "Upload storage directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.cookie_name", "session-cookie")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "github.api_base", "github-api-base")
	bindFlag(cmd, "analytics.host", "analytics-host")
	bindFlag(cmd, "storage.directory", "storage-directory")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	profileStore, err := store.New(store.Config{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	tracker, err := analytics.Init(analytics.Config{
		APIKey:      appConfig.AnalyticsAPIKey,
		Host:        appConfig.AnalyticsHost,
		Environment: appConfig.AnalyticsEnv,
		HTTPAddress: appConfig.HTTPAddress,
		Logger:      logging.Named(logger, "analytics"),
	})
	if err != nil {
		return err
	}
	defer tracker.Close()

	objects, err := storage.NewDiskStore(appConfig.StorageDirectory, appConfig.StorageBaseURL)
	if err != nil {
		return err
	}

	enricher := github.NewResolver(github.ResolverConfig{
		APIBase: appConfig.GitHubAPIBase,
		Logger:  logging.Named(logger, "github"),
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        "gigboard-auth",
		CookieName:    appConfig.SessionCookie,
	})
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        "gigboard-auth",
		Audience:      "gigboard-api",
		TokenTTL:      appConfig.SessionTTL,
	})

	sessions, err := server.NewSessionManager(server.SessionManagerConfig{
		Store:    profileStore,
		Enricher: enricher,
		Tracker:  tracker,
		Logger:   logging.Named(logger, "identity"),
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  sessions,
		Validator: validator,
		Issuer:    issuer,
		Store:     profileStore,
		Objects:   objects,
		Tracker:   tracker,
		Logger:    logging.Named(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
