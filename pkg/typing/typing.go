// Package typing simulates human typing time before a message is delivered.
package typing

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Config holds the typing model parameters.
type Config struct {
	WPM             float64       // words per minute
	Min             time.Duration // lower clamp
	Max             time.Duration // upper clamp
	Variation       float64       // base delay is scaled by 1 ± Variation
	PauseChance     float64       // probability of an extra thinking pause
	PauseMinWords   int           // pauses only for responses longer than this
	RefreshInterval time.Duration // composing indicator re-assert period
}

func DefaultConfig() Config {
	return Config{
		WPM:             60,
		Min:             time.Second,
		Max:             8 * time.Second,
		Variation:       0.3,
		PauseChance:     0.2,
		PauseMinWords:   10,
		RefreshInterval: 3 * time.Second,
	}
}

// Indicator toggles the composing signal for one chat.
type Indicator func(ctx context.Context, on bool) error

// Simulator computes delays and drives the composing indicator.
type Simulator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a simulator. A nil rng is seeded from the clock.
func New(cfg Config, rng *rand.Rand) *Simulator {
	def := DefaultConfig()
	if cfg.WPM <= 0 {
		cfg.WPM = def.WPM
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Variation < 0 {
		cfg.Variation = 0
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{cfg: cfg, rng: rng}
}

// Config returns the effective configuration.
func (s *Simulator) Config() Config { return s.cfg }

// DelayFor returns the delay for text.
func (s *Simulator) DelayFor(text string) time.Duration {
	return s.Delay(len(strings.Fields(text)))
}

// Delay returns the typing time for a response of the given word count,
// always within [Min, Max].
func (s *Simulator) Delay(words int) time.Duration {
	s.mu.Lock()
	variation := 1 + (s.rng.Float64()*2-1)*s.cfg.Variation
	pause := s.rng.Float64() < s.cfg.PauseChance
	pauseLen := 1 + 2*s.rng.Float64()
	s.mu.Unlock()

	seconds := float64(max(words, 0)) * 60 / s.cfg.WPM * variation
	if pause && words > s.cfg.PauseMinWords {
		seconds += pauseLen
	}
	return s.clamp(seconds)
}

func (s *Simulator) clamp(seconds float64) time.Duration {
	if seconds != seconds || seconds <= 0 { // NaN or non-positive
		return s.cfg.Min
	}
	if seconds >= s.cfg.Max.Seconds() {
		return s.cfg.Max
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < s.cfg.Min {
		return s.cfg.Min
	}
	return d
}

// Compose asserts the indicator for delay, re-asserting it every
// RefreshInterval, and clears it exactly once before returning, whether the
// delay completed or ctx was cancelled. Nothing is sent if ctx is already done.
func (s *Simulator) Compose(ctx context.Context, set Indicator, delay time.Duration) error {
	if set == nil {
		set = func(context.Context, bool) error { return nil }
	}
	var once sync.Once
	clearOnce := func() {
		once.Do(func() {
			// The event context may already be cancelled; clearing must still go out.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = set(cctx, false)
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = set(ctx, true)
	defer clearOnce()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			_ = set(ctx, true)
		}
	}
}
