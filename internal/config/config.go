package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "VEILX"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "veilx.db"
	defaultLogLevel           = "info"
	defaultEngineTimeout      = 60 * time.Second
	defaultChainTimeout       = 15 * time.Second
	defaultConfirmDeadline    = 2 * time.Minute
	defaultRetryMaxAttempts   = 4
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultRewardMin          = 0.01
	defaultRewardMax          = 0.10
	defaultIPFSGatewayBaseURL = "https://ipfs.io/ipfs/"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string

	// Redaction engine (detection + rendering).
	EngineBaseURL string
	EngineTimeout time.Duration

	// Reward chain.
	ChainRPCURL     string
	ChainTimeout    time.Duration
	ConfirmDeadline time.Duration
	TreasuryAddress string
	TreasuryKey     string
	RewardMin       float64
	RewardMax       float64

	// Storage sinks.
	S3Bucket           string
	S3Region           string
	S3BaseEndpoint     string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	IPFSAPIBaseURL     string
	IPFSGatewayBaseURL string

	// Orchestrator retry policy.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("engine.timeout", defaultEngineTimeout)
	configViper.SetDefault("chain.timeout", defaultChainTimeout)
	configViper.SetDefault("chain.confirm_deadline", defaultConfirmDeadline)
	configViper.SetDefault("reward.min", defaultRewardMin)
	configViper.SetDefault("reward.max", defaultRewardMax)
	configViper.SetDefault("retry.max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("ipfs.gateway_base_url", defaultIPFSGatewayBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		EngineBaseURL:      configViper.GetString("engine.base_url"),
		EngineTimeout:      configViper.GetDuration("engine.timeout"),
		ChainRPCURL:        configViper.GetString("chain.rpc_url"),
		ChainTimeout:       configViper.GetDuration("chain.timeout"),
		ConfirmDeadline:    configViper.GetDuration("chain.confirm_deadline"),
		TreasuryAddress:    configViper.GetString("chain.treasury_address"),
		TreasuryKey:        configViper.GetString("chain.treasury_key"),
		RewardMin:          configViper.GetFloat64("reward.min"),
		RewardMax:          configViper.GetFloat64("reward.max"),
		S3Bucket:           configViper.GetString("s3.bucket"),
		S3Region:           configViper.GetString("s3.region"),
		S3BaseEndpoint:     configViper.GetString("s3.base_endpoint"),
		S3AccessKeyID:      configViper.GetString("s3.access_key_id"),
		S3SecretAccessKey:  configViper.GetString("s3.secret_access_key"),
		IPFSAPIBaseURL:     configViper.GetString("ipfs.api_base_url"),
		IPFSGatewayBaseURL: configViper.GetString("ipfs.gateway_base_url"),
		RetryMaxAttempts:   configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:     configViper.GetDuration("retry.base_delay"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.EngineBaseURL) == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if strings.TrimSpace(c.TreasuryAddress) == "" {
		return fmt.Errorf("chain.treasury_address is required")
	}
	if c.RewardMin <= 0 || c.RewardMax < c.RewardMin {
		return fmt.Errorf("reward.min and reward.max must describe a positive range")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}
