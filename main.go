package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"

	"competition-coordinator/clients"
	"competition-coordinator/config"
	"competition-coordinator/contract"
	"competition-coordinator/handlers"
	"competition-coordinator/services"
	"competition-coordinator/store"
	"competition-coordinator/utils"
	"competition-coordinator/workers"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if cfg.LogPretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(level).With().Timestamp().Logger()
}

// closingStore lets the injector close whichever store was opened.
type closingStore struct {
	services.Store
	close func() error
}

func (s *closingStore) Shutdown() error { return s.close() }

func provideStore(i do.Injector) (*closingStore, error) {
	cfg := do.MustInvoke[*config.Config](i)
	switch cfg.Store {
	case "bolt":
		s, err := store.OpenBolt(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return &closingStore{Store: s, close: s.Close}, nil
	default:
		s, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &closingStore{Store: s, close: s.Close}, nil
	}
}

func provideBitcoind(i do.Injector) (*clients.Bitcoind, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return clients.NewBitcoind(clients.BitcoindConfig{
		Host:        cfg.BitcoindHost,
		User:        cfg.BitcoindUser,
		Pass:        cfg.BitcoindPass,
		FallbackFee: cfg.FallbackFee,
	})
}

func provideArchiver(i do.Injector) (services.Archiver, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if cfg.R2Bucket == "" {
		return &clients.DiskArchiver{Root: filepath.Join(cfg.DataDir, "archive")}, nil
	}
	return clients.NewR2Archiver(context.Background(), clients.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		Bucket:          cfg.R2Bucket,
		Endpoint:        cfg.R2Endpoint,
	})
}

func provideDeps(i do.Injector) (*services.Deps, error) {
	cfg := do.MustInvoke[*config.Config](i)
	clock := do.MustInvoke[clockwork.Clock](i)
	logger := do.MustInvoke[zerolog.Logger](i)
	st := do.MustInvoke[*closingStore](i)
	btc := do.MustInvoke[*clients.Bitcoind](i)
	archiver := do.MustInvoke[services.Archiver](i)
	reg := do.MustInvoke[*prometheus.Registry](i)

	httpClient := utils.NewHTTPClient(cfg.HTTPTimeout)

	var cert []byte
	if cfg.LndTLSCertPath != "" {
		b, err := os.ReadFile(cfg.LndTLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read lnd tls cert at %s: %w", cfg.LndTLSCertPath, err)
		}
		cert = b
	}
	lnd, err := clients.NewLnd(clients.LndConfig{URL: cfg.LndURL, MacaroonHex: cfg.LndMacaroonHex, TLSCert: cert}, httpClient, clock)
	if err != nil {
		return nil, err
	}

	builder, err := contract.NewBuilder(contract.BuilderConfig{
		CoordinatorPubkey: cfg.CoordinatorPubkey,
		PayoutAddress:     cfg.PayoutAddress,
		Net:               cfg.NetParams(),
	})
	if err != nil {
		return nil, fmt.Errorf("contract builder: %w", err)
	}

	return &services.Deps{
		Store:    st,
		Ledger:   btc,
		Wallet:   btc,
		Payments: lnd,
		Oracle:   clients.NewOracle(cfg.OracleURL, cfg.OracleToken, httpClient),
		Signer:   clients.NewSigner(cfg.SignerURL, cfg.SignerToken, httpClient),
		Builder:  builder,
		Archiver: archiver,
		Clock:    clock,
		Metrics:  services.NewMetrics(reg),
		Logger:   logger,
		Retry: services.RetryPolicy{
			Base:     cfg.RetryBase,
			Cap:      cfg.RetryCap,
			Attempts: cfg.RetryAttempts,
		},
		Poll: services.RetryPolicy{
			Base:     cfg.PollBase,
			Cap:      cfg.PollCap,
			Attempts: cfg.PollAttempts,
		},
	}, nil
}

func provideStateMachine(i do.Injector) (*services.StateMachine, error) {
	return services.NewStateMachine(do.MustInvoke[*services.Deps](i)), nil
}

func provideScheduler(i do.Injector) (*workers.Scheduler, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return workers.NewScheduler(
		do.MustInvoke[*closingStore](i),
		do.MustInvoke[*services.StateMachine](i),
		do.MustInvoke[clockwork.Clock](i),
		do.MustInvoke[zerolog.Logger](i),
		cfg.TickInterval,
		cfg.Workers,
	)
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)
	do.ProvideValue(i, reg)
	do.ProvideValue[clockwork.Clock](i, clockwork.NewRealClock())
	do.Provide(i, provideStore)
	do.Provide(i, provideBitcoind)
	do.Provide(i, provideArchiver)
	do.Provide(i, provideDeps)
	do.Provide(i, provideStateMachine)
	do.Provide(i, provideScheduler)
	defer i.Shutdown()

	machine, err := do.Invoke[*services.StateMachine](i)
	if err != nil {
		return fmt.Errorf("failed to create state machine: %w", err)
	}
	scheduler, err := do.Invoke[*workers.Scheduler](i)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer do.MustInvoke[*clients.Bitcoind](i).Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	handlers.SetupMetricsRoute(app, reg)
	handlers.SetupCompetitionRoutes(app, machine, cfg.ServiceToken, logger)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()
	logger.Info().Int("port", cfg.Port).Str("store", cfg.Store).Msg("coordinator running")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}

	logger.Info().Msg("shutting down")
	shutdownErr := app.ShutdownWithTimeout(10 * time.Second)
	stop()
	if err := scheduler.Stop(); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment variables directly")
	}

	cmd := &cli.Command{
		Name:  "coordinator",
		Usage: "runs DLC competitions from ticket sale to payout",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Flags:  config.Flags(),
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
