package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tributary/cdc"
)

// ResolverConfig tunes the resume position fallback tiers.
type ResolverConfig struct {
	// ReplayWindow is the source's retention window (oplog window);
	// a native token older than this cannot be resumed from.
	ReplayWindow time.Duration
	// ResumeBuffer is subtracted from a stale checkpoint's saved_at to
	// re-cover any gap between the last save and the crash.
	ResumeBuffer time.Duration
	// SafeLookback bounds how far back to start when no checkpoint
	// exists at all.
	SafeLookback time.Duration
}

// Resolver computes the position to resume from at startup. It reads
// the checkpoint store once and falls through four tiers: exact native
// cursor, checkpoint-time minus a safety buffer, safe lookback from
// now, and finally "resume from the present" when all state is lost.
type Resolver struct {
	store  Store
	config ResolverConfig
	now    func() time.Time
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store, config ResolverConfig) *Resolver {
	return &Resolver{store: store, config: config, now: time.Now}
}

// Resolve returns the position token to open the change stream at.
// Never returns an error: every failure degrades to a coarser tier.
func (r *Resolver) Resolve(ctx context.Context) cdc.PositionToken {
	now := r.now()

	cp, err := r.store.Load(ctx)
	switch {
	case err == nil:
		return r.fromCheckpoint(cp, now)

	case errors.Is(err, ErrNotFound):
		// Tier 3: no checkpoint has ever been saved.
		token := cdc.TimestampToken(now.Add(-r.config.SafeLookback))
		log.Info().
			Int("recovery_tier", 3).
			Time("resume_from", token.Timestamp).
			Msg("No checkpoint found, resuming from safe lookback")
		return token

	default:
		// Tier 4: the store itself is unreachable. Resuming from the
		// present accepts a silent gap; this is disaster recovery, not
		// routine operation.
		log.Error().
			Err(err).
			Int("recovery_tier", 4).
			Msg("Checkpoint store unreachable, resuming from present moment; events since the last checkpoint are lost")
		return cdc.NoToken()
	}
}

func (r *Resolver) fromCheckpoint(cp *Checkpoint, now time.Time) cdc.PositionToken {
	age := now.Sub(cp.SavedAt)

	if age <= r.config.ReplayWindow && cp.Token.Kind == cdc.TokenNative {
		// Tier 1: exact native cursor, still within the replay window.
		log.Info().
			Int("recovery_tier", 1).
			Time("saved_at", cp.SavedAt).
			Dur("age", age).
			Msg("Resuming from checkpointed cursor")
		return cp.Token
	}

	// Tier 2: checkpoint is stale or non-native, but saved_at is known.
	// Back off by the resume buffer to re-cover any gap; downstream
	// idempotency tolerates the replayed prefix.
	resume := cp.SavedAt.Add(-r.config.ResumeBuffer)
	oldest := now.Add(-r.config.ReplayWindow)
	if resume.Before(oldest) {
		// The buffered position has itself fallen out of the replay
		// window; degrade to the safe lookback rather than asking the
		// source for history it no longer has.
		clamped := now.Add(-r.config.SafeLookback)
		log.Warn().
			Int("recovery_tier", 3).
			Time("saved_at", cp.SavedAt).
			Time("requested", resume).
			Time("resume_from", clamped).
			Msg("Checkpoint predates replay window, clamping to safe lookback")
		return cdc.TimestampToken(clamped)
	}

	log.Info().
		Int("recovery_tier", 2).
		Time("saved_at", cp.SavedAt).
		Time("resume_from", resume).
		Msg("Checkpoint stale, resuming from checkpoint time minus buffer")
	return cdc.TimestampToken(resume)
}
