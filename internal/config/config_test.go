package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/holonet/internal/cell"
	"github.com/ssd-technologies/holonet/internal/gossip"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, cfg.Validate())

	tuning := cfg.ConductorTuning()
	assert.Equal(t, 5, tuning.Workflow.RedundancyFactor)
	assert.Equal(t, 3, tuning.Workflow.MinReceipts)
	assert.Equal(t, int64(64<<20), tuning.Fetch.ByteLimit)
	assert.Equal(t, 60*time.Second, tuning.Gossip.PeerOnSuccessDelay)
	assert.Equal(t, 300*time.Second, tuning.Gossip.PeerOnErrorDelay)
	assert.Equal(t, 3, tuning.Gossip.MaxInflight)
	assert.Equal(t, 50, tuning.Arc.TargetRedundancy)
	assert.Equal(t, 10*time.Second, tuning.DrainTimeout)
}

func TestTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(Template), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, gossip.DefaultTuning(), cfg.Tuning.Gossip)
}

func TestFileOverlaysDefaults(t *testing.T) {
	data := []byte(`
logging:
  format: json
tuning:
  gossip:
    historical_round_interval: 90s
  arc:
    arc_clamping: FULL
`)
	cfg, err := FromYAML(data, "/var/lib/holonet")
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 90*time.Second, cfg.Tuning.Gossip.HistoricalInterval)
	assert.Equal(t, 10*time.Second, cfg.Tuning.Gossip.RecentInterval)
	assert.Equal(t, cell.ClampFull, cfg.Tuning.Arc.Clamping)
	assert.Equal(t, "/var/lib/holonet/keystore.json", cfg.KeystorePath())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":          "nonsense: 1\n",
		"bad log level":        "logging:\n  level: loud\n",
		"bad log format":       "logging:\n  format: xml\n",
		"bad listen addr":      "network:\n  listen_addr: nowhere\n",
		"bad clamping":         "tuning:\n  arc:\n    arc_clamping: half\n",
		"receipts over quorum": "tuning:\n  workflow:\n    redundancy_factor: 2\n    min_receipts: 3\n",
		"inverted backoff":     "tuning:\n  fetch:\n    base_backoff: 1m\n    max_backoff: 1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc), t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	cfg, err := Load(path, dir, true)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)

	_, err = Load(path, dir, false)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("api:\n  app_rate_limit: 10\n"), 0o600))
	cfg, err = Load(path, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.API.AppRateLimit)
}

func TestAbsoluteKeystorePath(t *testing.T) {
	cfg := Default("/data")
	cfg.Keystore.Path = "/secrets/keys.json"
	assert.Equal(t, "/secrets/keys.json", cfg.KeystorePath())
}

func TestPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	_, err := Passphrase()
	assert.Error(t, err)

	t.Setenv(PassphraseEnv, "correct horse")
	p, err := Passphrase()
	require.NoError(t, err)
	assert.Equal(t, "correct horse", p)
}
