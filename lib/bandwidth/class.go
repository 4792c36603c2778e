package bandwidth

import (
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// ClassLimiter is a hierarchical token-bucket tree: a root Limiter caps
// the session's total egress/ingress, and each named class (one per
// torrent, typically) draws its tokens from both its own per-class
// Limiter and the shared root, so a single torrent can never exceed
// either its own configured rate or the process-wide cap. Generalizes
// the teacher's single flat Limiter (lib/torrent/scheduler/conn/
// bandwidth.Limiter) into the class hierarchy spec.md's bandwidth
// manager calls for.
type ClassLimiter struct {
	root   *Limiter
	logger *zap.SugaredLogger
	clk    clock.Clock

	mu      sync.Mutex
	classes map[string]*Limiter
}

// NewClassLimiter creates a ClassLimiter whose root cap is rootConfig.
func NewClassLimiter(rootConfig Config, logger *zap.SugaredLogger, clk clock.Clock) *ClassLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &ClassLimiter{
		root:    NewLimiter(rootConfig, logger, clk),
		logger:  logger,
		clk:     clk,
		classes: make(map[string]*Limiter),
	}
}

// AddClass registers (or replaces) the per-class limiter for class, whose
// rate is a sub-allocation of the root limiter's.
func (cl *ClassLimiter) AddClass(class string, config Config) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.classes[class] = NewLimiter(config, cl.logger, cl.clk)
}

// RemoveClass drops class's limiter, e.g. when its torrent is removed.
func (cl *ClassLimiter) RemoveClass(class string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.classes, class)
}

// Class returns the *Limiter backing class, for callers (e.g. a peer
// connection) that need to pass it somewhere expecting a single Limiter
// rather than routing every reservation through the ClassLimiter.
func (cl *ClassLimiter) Class(class string) (*Limiter, error) {
	return cl.classLimiter(class)
}

func (cl *ClassLimiter) classLimiter(class string) (*Limiter, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	l, ok := cl.classes[class]
	if !ok {
		return nil, fmt.Errorf("bandwidth: unknown class %q", class)
	}
	return l, nil
}

// ReserveEgress reserves nbytes of egress bandwidth against both class's
// own limiter and the shared root, blocking until both are satisfied.
func (cl *ClassLimiter) ReserveEgress(class string, nbytes int64) error {
	l, err := cl.classLimiter(class)
	if err != nil {
		return err
	}
	if err := l.ReserveEgress(nbytes); err != nil {
		return err
	}
	return cl.root.ReserveEgress(nbytes)
}

// ReserveIngress is ReserveEgress's ingress counterpart.
func (cl *ClassLimiter) ReserveIngress(class string, nbytes int64) error {
	l, err := cl.classLimiter(class)
	if err != nil {
		return err
	}
	if err := l.ReserveIngress(nbytes); err != nil {
		return err
	}
	return cl.root.ReserveIngress(nbytes)
}
