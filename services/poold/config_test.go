package poold

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tidepool/native/distribution"
)

const (
	adminID    = "tide1qyqszqgpqyqszqgpqyqszqgpqyqszqgpn90h7n"
	treasuryID = "tide1qgpqyqszqgpqyqszqgpqyqszqgpqyqszzpfj49"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	t.Setenv("TEST_POOLD_SECRET", "s3cret")
	path := writeConfig(t, "poold.yaml", `
epoch_length: "1h"
assets: [tide]
admin: "`+adminID+`"
targets:
  - name: Bribes
  - name: rewards
    policy: sweep
    grace_epochs: 2
    treasury: "`+treasuryID+`"
fees:
  burn_share_bps: 2500
auth:
  hmac_secret_env: TEST_POOLD_SECRET
keeper:
  interval: "30s"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.ListenAddress)
	require.Equal(t, time.Hour, cfg.EpochLength.Duration)
	require.Equal(t, 30*time.Second, cfg.Keeper.Interval.Duration)
	require.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	require.Equal(t, "Bribes", cfg.Fees.RewardsTarget)
	require.Contains(t, cfg.RateLimits, "mutations")

	targets, err := cfg.DistributionTargets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, distribution.RecoveryRefund, targets[0].Policy)
	require.Equal(t, distribution.RecoverySweep, targets[1].Policy)
	require.Equal(t, uint64(2), targets[1].GraceEpochs)

	admin, ok := cfg.AdminIdentity()
	require.True(t, ok)
	require.Equal(t, byte(1), admin[0])
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "poold.toml", `
listen = ":9000"
epoch_length = "2h"
assets = ["usdc"]

[[targets]]
name = "bribes"
policy = "refund"

[auth]
hmac_secret = "abc"

[[genesis]]
asset = "usdc"
account = "`+adminID+`"
amount = "1000"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 2*time.Hour, cfg.EpochLength.Duration)
	require.Len(t, cfg.Genesis, 1)
	_, amount, err := cfg.Genesis[0].parse()
	require.NoError(t, err)
	require.Equal(t, "1000", amount.String())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no targets": `auth: {hmac_secret: x}`,
		"no secret":  "targets: [{name: bribes}]",
		"sweep without treasury": `
auth: {hmac_secret: x}
targets: [{name: rewards, policy: sweep}]`,
		"bad policy": `
auth: {hmac_secret: x}
targets: [{name: rewards, policy: burn}]`,
		"fractional epoch": `
epoch_length: "1500ms"
auth: {hmac_secret: x}
targets: [{name: bribes}]`,
		"bad fee split": `
auth: {hmac_secret: x}
targets: [{name: bribes}]
fees: {burn_share_bps: 20000}`,
		"bad genesis": `
auth: {hmac_secret: x}
targets: [{name: bribes}]
genesis: [{asset: tide, account: nope, amount: "1"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "poold.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("POOLD_JWT_SECRET", "sample")
	t.Setenv("POOLD_HISTORY_DSN", "file:sample?mode=memory")
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"TIDE", "USDC"}, cfg.Assets)
	require.Equal(t, "file:sample?mode=memory", cfg.History.DSN)
}
