// Package mix implements the batching release policy applied to the inbound
// message pool: a Cottrell pool mix. The pool always retains a minimum
// number of messages and never releases more than a fixed fraction per
// tick, so an observer correlating arrivals with departures learns as
// little as possible.
//
// The policy here is ratio-and-floor only. The owning driver decides when a
// tick happens; calling Pick more often than the intended mixing interval
// weakens the mix.
package mix

import (
	"fmt"

	"github.com/jmarek/mixspool/internal/spool"
)

// Config holds the pool parameters.
type Config struct {
	// Spool configures the underlying directory store. Create and Scrub are
	// forced on.
	Spool spool.Config

	// MinPool is the number of messages always retained. Zero selects the
	// default of 5.
	MinPool int

	// MaxReplacementRate bounds the fraction of the pool released per tick.
	// Zero selects the default of 0.3.
	MaxReplacementRate float64
}

// DefaultConfig returns the classic Cottrell parameters.
func DefaultConfig() Config {
	return Config{
		MinPool:            5,
		MaxReplacementRate: 0.3,
	}
}

// Pool is a mix pool over a directory spool.
type Pool struct {
	spool   *spool.Spool
	minPool int
	rate    float64
}

// Open binds a mix pool to dir, creating and scrubbing the directory.
func Open(dir string, cfgs ...Config) (*Pool, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		cfg.Spool = c.Spool
		if c.MinPool > 0 {
			cfg.MinPool = c.MinPool
		}
		if c.MaxReplacementRate > 0 {
			cfg.MaxReplacementRate = c.MaxReplacementRate
		}
	}
	if cfg.MaxReplacementRate > 1 {
		return nil, fmt.Errorf("mix: replacement rate %v exceeds 1", cfg.MaxReplacementRate)
	}
	cfg.Spool.Create = true
	cfg.Spool.Scrub = true

	sp, err := spool.Open(dir, cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("mix: %w", err)
	}
	return &Pool{spool: sp, minPool: cfg.MinPool, rate: cfg.MaxReplacementRate}, nil
}

// Spool exposes the underlying spool for enqueueing messages and for
// cleanup passes driven by the owner.
func (p *Pool) Spool() *spool.Spool { return p.spool }

// Pick returns the handles released by this tick: a uniformly random
// selection of min(n - MinPool, floor(n * MaxReplacementRate)) messages,
// never going below zero. With n at or below the pool minimum nothing is
// released.
func (p *Pool) Pick() ([]string, error) {
	n, err := p.spool.Count(false)
	if err != nil {
		return nil, err
	}

	release := n - p.minPool
	if frac := int(float64(n) * p.rate); frac < release {
		release = frac
	}
	if release <= 0 {
		return nil, nil
	}
	return p.spool.PickRandom(release)
}
