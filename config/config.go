package config

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
)

// Config is the coordinator process configuration.
type Config struct {
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogPretty bool

	Port         int    `validate:"gte=1,lte=65535"`
	ServiceToken string `validate:"required,min=16"`

	Store       string `validate:"oneof=postgres bolt"`
	DatabaseURL string `validate:"required_if=Store postgres"`
	DataDir     string `validate:"required_if=Store bolt"`

	Network           string `validate:"oneof=mainnet testnet signet regtest"`
	CoordinatorPubkey string `validate:"required,hexadecimal,len=66"`
	PayoutAddress     string `validate:"required"`

	BitcoindHost string `validate:"required,hostname_port"`
	BitcoindUser string `validate:"required"`
	BitcoindPass string `validate:"required"`
	FallbackFee  int64  `validate:"gte=1"`

	LndURL         string `validate:"required,url"`
	LndMacaroonHex string `validate:"omitempty,hexadecimal"`
	LndTLSCertPath string

	OracleURL   string `validate:"required,url"`
	OracleToken string
	SignerURL   string `validate:"required,url"`
	SignerToken string

	R2AccountID       string
	R2AccessKeyID     string `validate:"required_with=R2Bucket"`
	R2AccessKeySecret string `validate:"required_with=R2Bucket"`
	R2Bucket          string
	R2Endpoint        string `validate:"omitempty,url"`

	TickInterval time.Duration `validate:"gt=0"`
	Workers      int           `validate:"gte=1"`
	HTTPTimeout  time.Duration `validate:"gt=0"`

	RetryBase     time.Duration `validate:"gt=0"`
	RetryCap      time.Duration `validate:"gtefield=RetryBase"`
	RetryAttempts uint64        `validate:"gte=1"`

	PollBase     time.Duration `validate:"gt=0"`
	PollCap      time.Duration `validate:"gtefield=PollBase"`
	PollAttempts uint64        `validate:"gte=1"`
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// NetParams maps Network to chain parameters.
func (c *Config) NetParams() *chaincfg.Params {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}

const envPrefix = "COORDINATOR_"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

// Flags are the command-line flags that populate Config.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log-level", Value: "info", Sources: env("LOG_LEVEL")},
		&cli.BoolFlag{Name: "log-pretty", Sources: env("LOG_PRETTY")},

		&cli.IntFlag{Name: "port", Value: 5200, Sources: env("PORT")},
		&cli.StringFlag{Name: "service-token", Sources: env("SERVICE_TOKEN")},

		&cli.StringFlag{Name: "store", Value: "postgres", Sources: env("STORE")},
		&cli.StringFlag{Name: "database-url", Sources: cli.EnvVars("DATABASE_URL")},
		&cli.StringFlag{Name: "data-dir", Value: "./data", Sources: env("DATA_DIR")},

		&cli.StringFlag{Name: "network", Value: "regtest", Sources: env("NETWORK")},
		&cli.StringFlag{Name: "coordinator-pubkey", Sources: env("PUBKEY")},
		&cli.StringFlag{Name: "payout-address", Sources: env("PAYOUT_ADDRESS")},

		&cli.StringFlag{Name: "bitcoind-host", Value: "127.0.0.1:18443", Sources: env("BITCOIND_HOST")},
		&cli.StringFlag{Name: "bitcoind-user", Sources: env("BITCOIND_USER")},
		&cli.StringFlag{Name: "bitcoind-pass", Sources: env("BITCOIND_PASS")},
		&cli.Int64Flag{Name: "fallback-fee", Value: 2, Sources: env("FALLBACK_FEE")},

		&cli.StringFlag{Name: "lnd-url", Sources: env("LND_URL")},
		&cli.StringFlag{Name: "lnd-macaroon", Sources: env("LND_MACAROON")},
		&cli.StringFlag{Name: "lnd-tls-cert", Sources: env("LND_TLS_CERT")},

		&cli.StringFlag{Name: "oracle-url", Sources: env("ORACLE_URL")},
		&cli.StringFlag{Name: "oracle-token", Sources: env("ORACLE_TOKEN")},
		&cli.StringFlag{Name: "signer-url", Sources: env("SIGNER_URL")},
		&cli.StringFlag{Name: "signer-token", Sources: env("SIGNER_TOKEN")},

		&cli.StringFlag{Name: "r2-account-id", Sources: cli.EnvVars("CLOUDFLARE_ACCOUNT_ID")},
		&cli.StringFlag{Name: "r2-access-key-id", Sources: cli.EnvVars("R2_ACCESS_KEY_ID")},
		&cli.StringFlag{Name: "r2-access-key-secret", Sources: cli.EnvVars("R2_ACCESS_KEY_SECRET")},
		&cli.StringFlag{Name: "r2-bucket", Sources: cli.EnvVars("R2_BUCKET_NAME")},
		&cli.StringFlag{Name: "r2-endpoint", Sources: cli.EnvVars("R2_ENDPOINT")},

		&cli.DurationFlag{Name: "tick-interval", Value: 10 * time.Second, Sources: env("TICK_INTERVAL")},
		&cli.IntFlag{Name: "workers", Value: 8, Sources: env("WORKERS")},
		&cli.DurationFlag{Name: "http-timeout", Value: 30 * time.Second, Sources: env("HTTP_TIMEOUT")},

		&cli.DurationFlag{Name: "retry-base", Value: 500 * time.Millisecond, Sources: env("RETRY_BASE")},
		&cli.DurationFlag{Name: "retry-cap", Value: 30 * time.Second, Sources: env("RETRY_CAP")},
		&cli.Uint64Flag{Name: "retry-attempts", Value: 8, Sources: env("RETRY_ATTEMPTS")},

		// Polls run while a competition is locked; the tick interval is the
		// real cadence, so keep these short.
		&cli.DurationFlag{Name: "poll-base", Value: 100 * time.Millisecond, Sources: env("POLL_BASE")},
		&cli.DurationFlag{Name: "poll-cap", Value: 500 * time.Millisecond, Sources: env("POLL_CAP")},
		&cli.Uint64Flag{Name: "poll-attempts", Value: 2, Sources: env("POLL_ATTEMPTS")},
	}
}

// FromCommand reads and validates Config from a parsed command.
func FromCommand(cmd *cli.Command) (*Config, error) {
	c := &Config{
		LogLevel:  cmd.String("log-level"),
		LogPretty: cmd.Bool("log-pretty"),

		Port:         int(cmd.Int("port")),
		ServiceToken: cmd.String("service-token"),

		Store:       cmd.String("store"),
		DatabaseURL: cmd.String("database-url"),
		DataDir:     cmd.String("data-dir"),

		Network:           cmd.String("network"),
		CoordinatorPubkey: cmd.String("coordinator-pubkey"),
		PayoutAddress:     cmd.String("payout-address"),

		BitcoindHost: cmd.String("bitcoind-host"),
		BitcoindUser: cmd.String("bitcoind-user"),
		BitcoindPass: cmd.String("bitcoind-pass"),
		FallbackFee:  cmd.Int64("fallback-fee"),

		LndURL:         cmd.String("lnd-url"),
		LndMacaroonHex: cmd.String("lnd-macaroon"),
		LndTLSCertPath: cmd.String("lnd-tls-cert"),

		OracleURL:   cmd.String("oracle-url"),
		OracleToken: cmd.String("oracle-token"),
		SignerURL:   cmd.String("signer-url"),
		SignerToken: cmd.String("signer-token"),

		R2AccountID:       cmd.String("r2-account-id"),
		R2AccessKeyID:     cmd.String("r2-access-key-id"),
		R2AccessKeySecret: cmd.String("r2-access-key-secret"),
		R2Bucket:          cmd.String("r2-bucket"),
		R2Endpoint:        cmd.String("r2-endpoint"),

		TickInterval: cmd.Duration("tick-interval"),
		Workers:      int(cmd.Int("workers")),
		HTTPTimeout:  cmd.Duration("http-timeout"),

		RetryBase:     cmd.Duration("retry-base"),
		RetryCap:      cmd.Duration("retry-cap"),
		RetryAttempts: cmd.Uint64("retry-attempts"),

		PollBase:     cmd.Duration("poll-base"),
		PollCap:      cmd.Duration("poll-cap"),
		PollAttempts: cmd.Uint64("poll-attempts"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
