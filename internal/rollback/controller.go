// Package rollback executes compensation for failed or abandoned
// activations. The controller walks completed steps in reverse order and
// runs their undo actions best-effort: one failed undo never stops the
// remaining ones, but it marks the rollback partial and promotes the
// aggregate error to CRITICAL for out-of-band intervention.
package rollback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
)

// DefaultTimeout bounds one full rollback pass. A rollback that cannot
// finish inside it stops where it is and reports partial.
const DefaultTimeout = 2 * time.Minute

// Action is the compensation for one completed step. Undo must tolerate
// being called when the step's effect is already gone.
type Action struct {
	Name     string
	Critical bool
	Undo     func(ctx context.Context) error
}

// Outcome summarizes one rollback pass.
type Outcome struct {
	Undone  []string `json:"undone"`
	Failed  []string `json:"failed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Partial bool     `json:"partial"`

	// Err aggregates every undo failure. Partial outcomes carry a CRITICAL
	// kind so callers never mistake them for clean reversals.
	Err error `json:"-"`
}

// Controller runs compensations. It is stateless; one instance serves every
// activation.
type Controller struct {
	log     *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration
}

// Options tunes a Controller. Zero values pick defaults.
type Options struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Timeout time.Duration
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Controller{
		log:     opts.Logger.With("component", "rollback"),
		clock:   opts.Clock,
		timeout: opts.Timeout,
	}
}

// Execute undoes the given actions in reverse order. The slice must be in
// completion order; the last completed step is undone first. Execute never
// returns a nil Outcome.
//
// The pass runs under its own timeout derived from a fresh context, so a
// canceled activation can still roll back. Undo failures are collected, not
// fatal: the controller keeps walking and reports everything at the end.
func (c *Controller) Execute(ctx context.Context, activationID string, actions []Action) *Outcome {
	out := &Outcome{}
	if len(actions) == 0 {
		return out
	}

	// Detach from the activation's context: its cancellation is usually why
	// we are here. Only the rollback timeout bounds the pass.
	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	log := c.log.With("activation_id", activationID)
	log.Info("rollback started", "steps", len(actions))
	started := c.clock.Now()

	var failures []error
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		if action.Undo == nil {
			out.Skipped = append(out.Skipped, action.Name)
			continue
		}
		if undoCtx.Err() != nil {
			// Timeout mid-pass: everything not yet undone is left standing.
			for j := i; j >= 0; j-- {
				out.Failed = append(out.Failed, actions[j].Name)
			}
			failures = append(failures, models.Errorf(models.ErrRollbackFailed,
				"rollback timed out after %s with %d steps left", c.timeout, i+1))
			break
		}

		if err := action.Undo(undoCtx); err != nil {
			out.Failed = append(out.Failed, action.Name)
			failures = append(failures, models.Errorf(models.ErrRollbackFailed,
				"undo of step %s failed: %v", action.Name, err))
			log.Error("step undo failed",
				"step", action.Name,
				"critical", action.Critical,
				"error", err.Error())
			continue
		}
		out.Undone = append(out.Undone, action.Name)
		log.Debug("step undone", "step", action.Name)
	}

	if len(failures) > 0 {
		out.Partial = true
		out.Err = models.Errorf(models.ErrCritical,
			"rollback of activation %s is partial: %d of %d undo actions failed",
			activationID, len(out.Failed), len(actions)).
			WithDetail(errors.Join(failures...).Error())
		log.Error("rollback partial",
			"undone", len(out.Undone),
			"failed", len(out.Failed),
			"duration_ms", c.clock.Since(started).Milliseconds())
		return out
	}

	log.Info("rollback completed",
		"undone", len(out.Undone),
		"skipped", len(out.Skipped),
		"duration_ms", c.clock.Since(started).Milliseconds())
	return out
}
