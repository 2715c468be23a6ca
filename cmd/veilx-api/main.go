package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veilx-labs/veilx/backend/internal/auth"
	"github.com/veilx-labs/veilx/backend/internal/config"
	"github.com/veilx-labs/veilx/backend/internal/database"
	"github.com/veilx-labs/veilx/backend/internal/detection"
	"github.com/veilx-labs/veilx/backend/internal/documents"
	"github.com/veilx-labs/veilx/backend/internal/logging"
	"github.com/veilx-labs/veilx/backend/internal/redaction"
	"github.com/veilx-labs/veilx/backend/internal/registry"
	"github.com/veilx-labs/veilx/backend/internal/reward"
	"github.com/veilx-labs/veilx/backend/internal/saga"
	"github.com/veilx-labs/veilx/backend/internal/server"
	"github.com/veilx-labs/veilx/backend/internal/storage"
	"github.com/veilx-labs/veilx/backend/internal/users"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veilx-api",
		Short: "VeilX document redaction and monetization backend",
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
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("engine-base-url", defaults.GetString("engine.base_url"), "Redaction engine base URL")
	cmd.PersistentFlags().Duration("engine-timeout", defaults.GetDuration("engine.timeout"), "Redaction engine request timeout")
	cmd.PersistentFlags().String("chain-rpc-url", defaults.GetString("chain.rpc_url"), "Reward chain JSON-RPC endpoint")
	cmd.PersistentFlags().String("treasury-address", defaults.GetString("chain.treasury_address"), "Treasury wallet address")
	cmd.PersistentFlags().String("s3-bucket", defaults.GetString("s3.bucket"), "Object store bucket for redacted artifacts")
	cmd.PersistentFlags().String("s3-region", defaults.GetString("s3.region"), "Object store region")
	cmd.PersistentFlags().String("ipfs-api-base-url", defaults.GetString("ipfs.api_base_url"), "Content-addressed storage API base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "engine.base_url", "engine-base-url")
	bindFlag(cmd, "engine.timeout", "engine-timeout")
	bindFlag(cmd, "chain.rpc_url", "chain-rpc-url")
	bindFlag(cmd, "chain.treasury_address", "treasury-address")
	bindFlag(cmd, "s3.bucket", "s3-bucket")
	bindFlag(cmd, "s3.region", "s3-region")
	bindFlag(cmd, "ipfs.api_base_url", "ipfs-api-base-url")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "veilx-auth",
		Audience:      "veilx-api",
	})

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	idProvider := documents.NewUUIDProvider()

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	engineClient := &http.Client{Timeout: appConfig.EngineTimeout}

	detector, err := detection.NewClient(detection.ClientConfig{
		BaseURL:    appConfig.EngineBaseURL,
		HTTPClient: engineClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	renderer, err := redaction.NewClient(redaction.ClientConfig{
		BaseURL:    appConfig.EngineBaseURL,
		HTTPClient: engineClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rewarder, err := reward.NewDistributor(reward.DistributorConfig{
		Database:        db,
		RPCURL:          appConfig.ChainRPCURL,
		HTTPClient:      &http.Client{Timeout: appConfig.ChainTimeout},
		IDProvider:      idProvider,
		Clock:           time.Now,
		ConfirmDeadline: appConfig.ConfirmDeadline,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	sinks, defaultSink, err := buildSinks(ctx, appConfig)
	if err != nil {
		return err
	}

	coordinator, err := storage.NewCoordinator(storage.CoordinatorConfig{
		Database:   db,
		Sinks:      sinks,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registrar, err := registry.NewRegistrar(registry.RegistrarConfig{
		Database:       db,
		Owners:         usersService,
		IDProvider:     idProvider,
		Clock:          time.Now,
		GatewayBaseURL: appConfig.IPFSGatewayBaseURL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sagaService, err := saga.NewService(saga.ServiceConfig{
		Database:  db,
		Documents: documentsService,
		Detector:  detector,
		Renderer:  renderer,
		Rewarder:  rewarder,
		Storer:    coordinator,
		Registrar: registrar,
		Treasury: reward.Treasury{
			Address:    appConfig.TreasuryAddress,
			SigningKey: appConfig.TreasuryKey,
		},
		RewardAmount: rewardAmountSource(appConfig.RewardMin, appConfig.RewardMax),
		StorageSink:  defaultSink,
		Retry: saga.RetryPolicy{
			MaxAttempts: appConfig.RetryMaxAttempts,
			BaseDelay:   appConfig.RetryBaseDelay,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SagaService:  sagaService,
		Registrar:    registrar,
		UsersService: usersService,
		Logger:       logger,
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

// buildSinks constructs every storage sink the configuration enables. The
// object store holds redacted artifacts; the content-addressed network holds
// documents the owner chose to publish by hash.
func buildSinks(ctx context.Context, appConfig config.AppConfig) ([]storage.Sink, storage.SinkKind, error) {
	var sinks []storage.Sink
	defaultSink := storage.SinkObjectStore

	if appConfig.S3Bucket != "" {
		objectStore, err := storage.NewObjectStoreSink(ctx, storage.ObjectStoreConfig{
			Bucket:          appConfig.S3Bucket,
			Region:          appConfig.S3Region,
			BaseEndpoint:    appConfig.S3BaseEndpoint,
			AccessKeyID:     appConfig.S3AccessKeyID,
			SecretAccessKey: appConfig.S3SecretAccessKey,
		})
		if err != nil {
			return nil, "", err
		}
		sinks = append(sinks, objectStore)
	}

	if appConfig.IPFSAPIBaseURL != "" {
		contentAddressed, err := storage.NewContentAddressedSink(storage.ContentAddressedConfig{
			APIBaseURL: appConfig.IPFSAPIBaseURL,
		})
		if err != nil {
			return nil, "", err
		}
		sinks = append(sinks, contentAddressed)
		if appConfig.S3Bucket == "" {
			defaultSink = storage.SinkContentAddressed
		}
	}

	if len(sinks) == 0 {
		return nil, "", fmt.Errorf("no storage sink configured, set s3.bucket or ipfs.api_base_url")
	}

	return sinks, defaultSink, nil
}

func rewardAmountSource(min, max float64) func() string {
	return func() string {
		return fmt.Sprintf("%.2f", min+rand.Float64()*(max-min))
	}
}
