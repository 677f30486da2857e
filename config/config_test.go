package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesProtocolSettingsTable(t *testing.T) {
	d := Default()
	assert.Equal(t, 50999, d.Port)
	assert.Equal(t, 30*time.Second, d.ProfileInterval)
	assert.Equal(t, 10*time.Second, d.PingInterval)
	assert.Equal(t, 1024, d.FileChunkSize)
	assert.Equal(t, 8, d.FileWindow)
	assert.Len(t, d.RetrySchedule, 3)
}

func TestLoadFallsBackToDefaultsWithNoOverrides(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 50999, cfg.Port)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
}

func TestLoadPrefersEnvOverDefault(t *testing.T) {
	t.Setenv("LSNP_PORT", "51000")
	t.Setenv("LSNP_VERBOSE", "true")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 51000, cfg.Port)
	assert.True(t, cfg.Verbose)
}

func TestLoadPrefersFlagOverEnv(t *testing.T) {
	t.Setenv("LSNP_PORT", "51000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port=51500"}))

	cfg, err := Load(fs, "")
	require.NoError(t, err)
	assert.Equal(t, 51500, cfg.Port)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("LSNP_PORT", "0")
	_, err := Load(nil, "")
	assert.Error(t, err)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "lsnp-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("port: 52000\nfile_window: 16\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(nil, f.Name())
	require.NoError(t, err)
	assert.Equal(t, 52000, cfg.Port)
	assert.Equal(t, 16, cfg.FileWindow)
}
