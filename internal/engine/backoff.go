package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/reviewflow/reviewflow/internal/config"
)

// BackoffConfig shapes retry delays for errored check attempts.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Fixed          bool
	Jitter         bool
}

func backoffFromRetry(r *config.Retry) BackoffConfig {
	cfg := BackoffConfig{
		InitialDelayMS: r.InitialDelayMS,
		BackoffFactor:  r.BackoffFactor,
		MaxDelayMS:     r.MaxDelayMS,
		Fixed:          r.Backoff == "fixed",
		Jitter:         r.JitterEnabled(),
	}
	if cfg.InitialDelayMS < 0 {
		cfg.InitialDelayMS = 0
	}
	if cfg.MaxDelayMS < 0 {
		cfg.MaxDelayMS = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.0
	}
	return cfg
}

// DelayForAttempt computes the capped exponential delay for a 1-indexed
// retry attempt. Jitter is deterministic for a given seed so reruns of the
// same run/check/attempt triple sleep the same amount.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.InitialDelayMS)
	if !cfg.Fixed {
		baseMS *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter after capping, in [0.5, 1.5).
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func jitterSeed(runID, checkID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", strings.TrimSpace(runID), checkID, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
