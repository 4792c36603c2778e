package conn

import (
	"time"

	"github.com/torrentd/engine/lib/settings"
)

// EncryptionPolicy controls whether a connection negotiates MSE.
type EncryptionPolicy int

const (
	// EncryptionDisabled never offers or accepts encryption.
	EncryptionDisabled EncryptionPolicy = iota
	// EncryptionEnabled offers encryption but falls back to plaintext.
	EncryptionEnabled
	// EncryptionForced refuses plaintext connections entirely.
	EncryptionForced
)

// Config holds per-connection tunables, following the teacher's
// Config-struct-plus-applyDefaults idiom (lib/torrent/scheduler/conn.Config).
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// MaxOutstandingRequests bounds the request pipeline per connection.
	MaxOutstandingRequests int `yaml:"max_outstanding_requests"`

	// MaxMessageSize is the hard cap on a non-handshake message's
	// framed length (excluding piece payload accounting quirks).
	MaxMessageSize uint32 `yaml:"max_message_size"`

	// I2PTimeoutMultiplier scales HandshakeTimeout for I2P-backed
	// sockets, which are slower to establish.
	I2PTimeoutMultiplier int `yaml:"i2p_timeout_multiplier"`

	OutgoingEncryptionPolicy EncryptionPolicy `yaml:"outgoing_encryption_policy"`
	AllowedCrypto            uint32           `yaml:"allowed_crypto"`
	PreferRC4                bool             `yaml:"prefer_rc4"`

	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.MaxOutstandingRequests == 0 {
		c.MaxOutstandingRequests = 250
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20 // 1 MiB, per spec.md's hard protocol error bound.
	}
	if c.I2PTimeoutMultiplier == 0 {
		c.I2PTimeoutMultiplier = 4
	}
	if c.AllowedCrypto == 0 {
		c.AllowedCrypto = 0x03 // plaintext | rc4
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	return c
}

// ConfigFromSettings derives a connection Config from the engine-wide
// Settings (Component A), translating settings.EncryptionPolicy's
// direction-agnostic string enum into the outgoing-specific enum this
// package branches on.
func ConfigFromSettings(s settings.Settings) Config {
	c := Config{
		HandshakeTimeout:         s.HandshakeTimeout,
		MaxOutstandingRequests:   s.MaxOutRequestQueue,
		OutgoingEncryptionPolicy: encryptionPolicyFromSettings(s.OutEncPolicy),
		AllowedCrypto:            uint32(s.AllowedEncLevel),
		PreferRC4:                s.PreferRC4,
	}
	return c.applyDefaults()
}

func encryptionPolicyFromSettings(p settings.EncryptionPolicy) EncryptionPolicy {
	switch p {
	case settings.EncryptionDisabled:
		return EncryptionDisabled
	case settings.EncryptionForced:
		return EncryptionForced
	default:
		return EncryptionEnabled
	}
}
