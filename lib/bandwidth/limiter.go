// Package bandwidth implements the hierarchical bandwidth manager
// (Component E): a token-bucket Limiter per direction, composed into a
// ClassLimiter tree so a torrent-class limit draws its tokens from a
// shared session-wide cap. Grounded on the teacher's
// lib/torrent/scheduler/conn/bandwidth.Limiter, generalized from a single
// flat egress/ingress pair into the class hierarchy spec.md's bandwidth
// manager calls for.
package bandwidth

import (
	"fmt"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torrentd/engine/lib/memsize"
)

// Config defines a Limiter's egress/ingress caps.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize is the granularity of one bucket token, avoiding the
	// integer overflow that would occur mapping each bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 200 * memsize.Mbit
	}
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 300 * memsize.Mbit
	}
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Mbit
	}
	return c
}

// Limiter paces egress and ingress bytes via a token-bucket rate limiter
// per direction.
type Limiter struct {
	config  Config
	clk     clock.Clock
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a Limiter. clk defaults to the real wall clock.
func NewLimiter(config Config, logger *zap.SugaredLogger, clk clock.Clock) *Limiter {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}

	if logger != nil {
		if config.Disable {
			logger.Warn("Bandwidth limits disabled")
		} else {
			logger.Infof("Setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
			logger.Infof("Setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))
		}
	}

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize

	return &Limiter{
		config:  config,
		clk:     clk,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
	}
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if l.config.Disable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(l.clk.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	l.clk.Sleep(r.DelayFrom(l.clk.Now()))
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}
