// Package orchestrator sequences the bootstrap phases at container start:
// provider discovery, a short synchronous seeding pass, launch of the
// long-running background pass, then handoff to the application process.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"owuiboot/internal/config"
	"owuiboot/internal/discovery"
	"owuiboot/internal/seeder"
)

type Phase int

const (
	Init Phase = iota
	DiscoveryPhase
	FastSeedPhase
	BackgroundSeedLaunched
	Handoff
	Abort
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case DiscoveryPhase:
		return "discovery"
	case FastSeedPhase:
		return "fast_seed"
	case BackgroundSeedLaunched:
		return "background_seed_launched"
	case Handoff:
		return "handoff"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Orchestrator wires the phases together. Discover, Seed, Spawn and Exec are
// injectable so tests can substitute in-process fakes for the child process
// and the exec handoff.
type Orchestrator struct {
	Cfg    *config.Config
	Logger zerolog.Logger

	Discover func(ctx context.Context) discovery.Result
	Seed     func(ctx context.Context, budget seeder.Budget) (seeder.Result, error)

	// Spawn starts the detached background seeding pass. Exec replaces the
	// current process with the application entrypoint and does not return
	// on success.
	Spawn func(ctx context.Context) error
	Exec  func() error
}

// Run drives the state machine to handoff. It returns an error only when
// bootstrap must abort the container start.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Logger.Info().Str("phase", DiscoveryPhase.String()).Msg("starting provider discovery")
	res := o.Discover(ctx)
	switch res.Outcome {
	case discovery.Applied:
		o.Logger.Info().Int("models", len(res.Models)).Msg("provider configuration applied")
	case discovery.Skipped:
		o.Logger.Info().Str("reason", res.Reason).Msg("provider discovery skipped")
	case discovery.SoftFailed:
		o.Logger.Warn().Str("reason", res.Reason).Err(res.Err).Msg("provider discovery failed; continuing with existing configuration")
	case discovery.HardFailed:
		if o.Cfg.Policy.FailFast {
			o.Logger.Error().Str("reason", res.Reason).Err(res.Err).Msg("provider discovery failed; aborting startup")
			return fmt.Errorf("discovery %s: %w", res.Reason, errOrReason(res))
		}
		o.Logger.Error().Str("reason", res.Reason).Err(res.Err).Msg("provider discovery failed; fail-fast disabled, continuing")
	}

	o.Logger.Info().Str("phase", FastSeedPhase.String()).Msg("running synchronous seeding pass")
	seedRes, err := o.Seed(ctx, seeder.Budget{
		DBWait:   o.Cfg.Wait.StartupMaxWait,
		UserWait: o.Cfg.Wait.StartupMaxWait,
	})
	if err != nil {
		// Seeding never blocks the application from starting.
		o.Logger.Error().Err(err).Msg("synchronous seeding pass failed; continuing to handoff")
	} else {
		o.Logger.Info().
			Str("outcome", seedRes.Outcome.String()).
			Int("users_updated", seedRes.UsersUpdated).
			Msg("synchronous seeding pass finished")
	}

	if err := o.Spawn(ctx); err != nil {
		o.Logger.Error().Err(err).Msg("could not launch background seeding pass; continuing to handoff")
	} else {
		o.Logger.Info().Str("phase", BackgroundSeedLaunched.String()).Msg("background seeding pass launched")
	}

	o.Logger.Info().Str("phase", Handoff.String()).Strs("entrypoint", o.Cfg.AppEntrypoint).Msg("handing off to application")
	return o.Exec()
}

func errOrReason(res discovery.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("%s", res.Reason)
}
