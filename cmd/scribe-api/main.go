package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/capability"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/config"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/room"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/server"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scribe-api",
		Short: "Scribe collaborative document backend",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-api-url", defaults.GetString("remote.api_url"), "Remote store API base URL")
	cmd.PersistentFlags().String("remote-api-token", "", "Remote store API token (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.api_url", "remote-api-url")
	bindFlag(cmd, "remote.api_token", "remote-api-token")
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

	db, err := storage.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := storage.NewStore(storage.StoreConfig{
		Database: db,
		Logger:   logger,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	verifier, err := capability.NewVerifier(capability.VerifierConfig{
		SigningSecret: []byte(appConfig.CapabilitySecret),
	})
	if err != nil {
		return err
	}

	sessions, err := capability.NewSessionValidator(capability.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteAPIURL,
		Token:   appConfig.RemoteAPIToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	roomConfig := room.DefaultConfig()
	rooms, err := room.NewRegistry(room.RegistryConfig{
		Store:     store,
		Verifier:  verifier,
		Remote:    remoteClient,
		Scheduler: schedule.NewWallScheduler(),
		Logger:    logger,
		Clock:     time.Now,
		Room:      roomConfig,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:           rooms,
		Sessions:        sessions,
		Verifier:        verifier,
		Logger:          logger,
		MaxMessageBytes: roomConfig.MaxMessageBytes,
		SecureCookies:   true,
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
		if err := rooms.Shutdown(shutdownCtx); err != nil {
			logger.Warn("room shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
