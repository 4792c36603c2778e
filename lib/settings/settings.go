// Package settings provides the strongly-typed configuration shared by every
// component of the engine, plus the monotonic counters those components
// publish. Grounded on the per-package Config/applyDefaults convention used
// throughout uber-kraken's lib/torrent/scheduler packages.
package settings

import "time"

// EncryptionPolicy controls how a direction of the connection negotiates
// Message Stream Encryption.
type EncryptionPolicy string

// Encryption policies recognized by spec.md's in_enc_policy/out_enc_policy.
const (
	EncryptionForced   EncryptionPolicy = "forced"
	EncryptionEnabled  EncryptionPolicy = "enabled"
	EncryptionDisabled EncryptionPolicy = "disabled"
)

// ChokingAlgorithm selects the unchoke scheduler's peer-ranking strategy.
type ChokingAlgorithm string

// Choking algorithms recognized by spec.md's choking_algorithm setting.
const (
	ChokingFixedSlots ChokingAlgorithm = "fixed_slots"
	ChokingRateBased  ChokingAlgorithm = "rate_based"
	ChokingBitTyrant  ChokingAlgorithm = "bittyrant"
)

// Settings is the full set of core-relevant configuration from spec.md §6.
type Settings struct {
	// Component D: Block Cache.
	CacheSizeBlocks int `yaml:"cache_size"`

	// Component G/session: connection limits.
	ConnectionsLimit int `yaml:"connections_limit"`
	ConnectionsSlack int `yaml:"connections_slack"`

	// Component H: Unchoke Scheduler.
	UnchokeSlotsLimit           int              `yaml:"unchoke_slots_limit"`
	NumOptimisticUnchokeSlots   int              `yaml:"num_optimistic_unchoke_slots"`
	ChokingAlgorithm            ChokingAlgorithm `yaml:"choking_algorithm"`
	UnchokeInterval             time.Duration    `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval   time.Duration    `yaml:"optimistic_unchoke_interval"`

	// Component G: MSE negotiation.
	InEncPolicy      EncryptionPolicy `yaml:"in_enc_policy"`
	OutEncPolicy     EncryptionPolicy `yaml:"out_enc_policy"`
	AllowedEncLevel  uint8            `yaml:"allowed_enc_level"`
	PreferRC4        bool             `yaml:"prefer_rc4"`

	// Component G: identity and pipeline.
	PeerFingerprint          string        `yaml:"peer_fingerprint"`
	UserAgent                string        `yaml:"user_agent"`
	HandshakeTimeout         time.Duration `yaml:"handshake_timeout"`
	MaxAllowedInRequestQueue int           `yaml:"max_allowed_in_request_queue"`
	MaxOutRequestQueue       int           `yaml:"max_out_request_queue"`
	CloseRedundantConns      bool          `yaml:"close_redundant_connections"`

	// Component F: Connection Queue.
	HalfOpenLimit int `yaml:"half_open_limit"`
}

// Allowed encryption levels, bitwise-combinable per spec.md §4.G's crypto
// bitfield (bit 0 = plaintext, bit 1 = RC4).
const (
	AllowedEncPlaintext uint8 = 1 << 0
	AllowedEncRC4       uint8 = 1 << 1
	AllowedEncBoth      uint8 = AllowedEncPlaintext | AllowedEncRC4
)

// DefaultSettings returns a Settings with every field populated to the
// engine's defaults, following kraken's applyDefaults() convention applied
// to a zero-value receiver.
func DefaultSettings() Settings {
	var s Settings
	return s.applyDefaults()
}

func (s Settings) applyDefaults() Settings {
	if s.CacheSizeBlocks == 0 {
		s.CacheSizeBlocks = 4096 // 64 MiB at the default 16 KiB block size.
	}
	if s.ConnectionsLimit == 0 {
		s.ConnectionsLimit = 200
	}
	if s.ConnectionsSlack == 0 {
		s.ConnectionsSlack = 10
	}
	if s.UnchokeSlotsLimit == 0 {
		s.UnchokeSlotsLimit = 8
	}
	if s.ChokingAlgorithm == "" {
		s.ChokingAlgorithm = ChokingFixedSlots
	}
	if s.UnchokeInterval == 0 {
		s.UnchokeInterval = 10 * time.Second
	}
	if s.OptimisticUnchokeInterval == 0 {
		s.OptimisticUnchokeInterval = 30 * time.Second
	}
	if s.InEncPolicy == "" {
		s.InEncPolicy = EncryptionEnabled
	}
	if s.OutEncPolicy == "" {
		s.OutEncPolicy = EncryptionEnabled
	}
	if s.AllowedEncLevel == 0 {
		s.AllowedEncLevel = AllowedEncBoth
	}
	if s.PeerFingerprint == "" {
		s.PeerFingerprint = "TE"
	}
	if s.UserAgent == "" {
		s.UserAgent = "TorrentdEngine/1.0"
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.MaxAllowedInRequestQueue == 0 {
		s.MaxAllowedInRequestQueue = 250
	}
	if s.MaxOutRequestQueue == 0 {
		s.MaxOutRequestQueue = 200
	}
	if s.HalfOpenLimit == 0 {
		s.HalfOpenLimit = 8
	}
	return s
}

// NumOptimisticSlots returns the effective optimistic unchoke quota, resolving
// the "0 means max(1, slots/5)" rule from spec.md §6.
func (s Settings) NumOptimisticSlots() int {
	if s.NumOptimisticUnchokeSlots > 0 {
		return s.NumOptimisticUnchokeSlots
	}
	if s.UnchokeSlotsLimit <= 0 {
		return 1
	}
	n := s.UnchokeSlotsLimit / 5
	if n < 1 {
		n = 1
	}
	return n
}
