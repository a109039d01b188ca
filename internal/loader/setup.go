package loader

import (
	"errors"

	"go.uber.org/zap"

	"lockfence/internal/probe"
)

// Setup initializes the counter table and attaches every probe in plan.
// Counters are created before any handler can fire. If one probe fails,
// every probe attached so far is detached and a *SetupError is returned:
// a partial set of probes is never left running.
func Setup(p Provider, plan Plan, logger *zap.Logger) error {
	if err := p.InitCounters(plan.Counters); err != nil {
		var merr *MapError
		if !errors.As(err, &merr) {
			err = &MapError{Map: probe.MapCounters, Err: err}
		}
		return err
	}

	attached := make([]Probe, 0, len(plan.Probes))
	for _, pr := range plan.Probes {
		if err := p.AttachProbe(pr); err != nil {
			serr := &SetupError{Failed: pr, RolledBack: attached, Err: err}
			if len(attached) > 0 {
				serr.RollbackErr = p.Detach()
			}
			logger.Error("Probe attachment failed, rolling back",
				zap.Stringer("probe", pr),
				zap.Int("rolled_back", len(attached)),
				zap.Error(err))
			return serr
		}
		attached = append(attached, pr)
		logger.Info("Probe attached",
			zap.Stringer("kind", pr.Kind),
			zap.String("target", pr.Target),
			zap.String("program", pr.Program))
	}

	return nil
}
