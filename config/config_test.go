package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"competition-coordinator/config"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var (
		cfg *config.Config
		err error
	)
	cmd := &cli.Command{
		Name:  "coordinator",
		Flags: config.Flags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err = config.FromCommand(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"coordinator"}, args...)))
	return cfg, err
}

var base = []string{
	"--service-token", "0123456789abcdef",
	"--store", "bolt",
	"--coordinator-pubkey", "02" + "11111111111111111111111111111111" + "11111111111111111111111111111111",
	"--payout-address", "bcrt1pexample",
	"--bitcoind-user", "user",
	"--bitcoind-pass", "pass",
	"--lnd-url", "https://127.0.0.1:8080",
	"--oracle-url", "http://oracle.local",
	"--signer-url", "http://signer.local",
}

func TestFromCommandDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parse(t, base...)
	require.NoError(t, err)
	assert.Equal(t, 5200, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, uint64(8), cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.PollBase)
	assert.Equal(t, uint64(2), cfg.PollAttempts)
	assert.Equal(t, &chaincfg.RegressionNetParams, cfg.NetParams())
}

func TestFromCommandRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Parallel()

	_, err := parse(t, append(base, "--store", "postgres")...)
	assert.ErrorContains(t, err, "DatabaseURL")

	cfg, err := parse(t, append(base, "--store", "postgres", "--database-url", "postgres://localhost/db")...)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store)
}

func TestFromCommandRejectsShortToken(t *testing.T) {
	t.Parallel()

	_, err := parse(t, append(base, "--service-token", "short")...)
	assert.ErrorContains(t, err, "ServiceToken")
}

func TestFromCommandR2NeedsCredentials(t *testing.T) {
	t.Parallel()

	_, err := parse(t, append(base, "--r2-bucket", "archive")...)
	assert.ErrorContains(t, err, "R2AccessKeyID")
}

func TestFromCommandPollPolicy(t *testing.T) {
	t.Parallel()

	cfg, err := parse(t, append(base, "--poll-base", "50ms", "--poll-cap", "200ms", "--poll-attempts", "1")...)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.PollBase)
	assert.Equal(t, 200*time.Millisecond, cfg.PollCap)
	assert.Equal(t, uint64(1), cfg.PollAttempts)

	_, err = parse(t, append(base, "--poll-base", "1s", "--poll-cap", "10ms")...)
	assert.ErrorContains(t, err, "PollCap")
}
