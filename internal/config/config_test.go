package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "data", cfg.DataRoot)
	require.Equal(t, 7*24*time.Hour, cfg.BackfillWindow)
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, 24*time.Hour, cfg.WatchRenewalMargin)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BACKFILL_WINDOW", "48h")
	t.Setenv("SYNC_INTERVAL", "5m")

	cfg := Load()

	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 48*time.Hour, cfg.BackfillWindow)
	require.Equal(t, 5*time.Minute, cfg.SyncInterval)
}

func TestMalformedDurationFallsBack(t *testing.T) {
	t.Setenv("BACKFILL_WINDOW", "not-a-duration")
	cfg := Load()
	require.Equal(t, 7*24*time.Hour, cfg.BackfillWindow)
}
