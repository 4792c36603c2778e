package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/lib/settings"
)

func TestConfigFromSettingsTranslatesEncryptionPolicy(t *testing.T) {
	s := settings.DefaultSettings()
	s.OutEncPolicy = settings.EncryptionForced

	c := ConfigFromSettings(s)
	require.Equal(t, EncryptionForced, c.OutgoingEncryptionPolicy)
	require.Equal(t, s.HandshakeTimeout, c.HandshakeTimeout)
}

func TestConfigApplyDefaultsFillsZeroValues(t *testing.T) {
	var c Config
	c = c.applyDefaults()
	require.Equal(t, uint32(1<<20), c.MaxMessageSize)
	require.Equal(t, 250, c.MaxOutstandingRequests)
	require.Equal(t, 4, c.I2PTimeoutMultiplier)
}
