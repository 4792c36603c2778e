package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/lib/settings"
)

func TestConfigApplyDefaultsFillsZeroValues(t *testing.T) {
	var c Config
	c = c.applyDefaults()
	require.Equal(t, time.Second, c.TickInterval)
	require.Equal(t, 10*time.Second, c.EmitStatsInterval)
	require.Equal(t, 3*time.Second, c.ProbeTimeout)
	require.Equal(t, 10*time.Second, c.ShutdownDrainTimeout)
}

func TestConfigApplyDefaultsDerivesConnAndUnchokeFromSettings(t *testing.T) {
	s := settings.DefaultSettings()
	s.HalfOpenLimit = 42

	c := Config{Settings: s}.applyDefaults()
	require.Equal(t, s.HandshakeTimeout, c.Conn.HandshakeTimeout)
	require.NotZero(t, c.Unchoke)
}

func TestConfigApplyDefaultsPreservesSetValues(t *testing.T) {
	c := Config{TickInterval: 5 * time.Second}.applyDefaults()
	require.Equal(t, 5*time.Second, c.TickInterval)
}
