package diagnostics

import (
	"context"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

const (
	ResetCaches  = "caches"
	ResetWorkers = "workers"
	ResetQueue   = "queue"
	ResetAll     = "all"
)

// Resets wipes local state for a fresh start.
// Nil functions are skipped.
type Resets struct {
	ClearCaches func(ctx context.Context) error
	Unregister  func(ctx context.Context) error
	ClearQueue  func(ctx context.Context) error
	Log         zerolog.Logger
}

// Run performs the named reset. ResetAll clears caches, then unregisters, then clears the queue.
func (r Resets) Run(ctx context.Context, target string) error {
	var steps []func(ctx context.Context) error
	switch target {
	case ResetCaches:
		steps = append(steps, r.ClearCaches)
	case ResetWorkers:
		steps = append(steps, r.Unregister)
	case ResetQueue:
		steps = append(steps, r.ClearQueue)
	case ResetAll:
		steps = append(steps, r.ClearCaches, r.Unregister, r.ClearQueue)
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown reset target %q", target)
	}
	for _, step := range steps {
		if step == nil {
			continue
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	r.Log.Info().Str("target", target).Msg("Reset complete")
	return nil
}
