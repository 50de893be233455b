// internal/monitor/report.go
package monitor

import (
	"time"

	"github.com/deyno-dev/autobuysell/internal/metrics"
	"go.uber.org/zap"
)

// outcome of one record in a sweep
type outcome int

const (
	outcomeNone      outcome = iota // evaluated, no rule fired
	outcomeExited                   // fill confirmed and applied
	outcomeFailed                   // executor did not confirm
	outcomeSkipped                  // no usable data or record gone
	outcomeBusy                     // another exit holds the lease
	outcomeFlagged                  // record rejected by the evaluator
)

// SweepReport tallies one sweep.
type SweepReport struct {
	Started  time.Time
	Duration time.Duration
	Accounts int

	// Evaluated counts records for which a decision was made, including
	// those that led to an exit.
	Evaluated int
	Exited    int
	Failed    int
	Skipped   int
	Busy      int
	Flagged   int
	// Deferred counts records not visited because the sweep ran out of
	// time or was cancelled.
	Deferred    int
	Interrupted bool
}

func (r *SweepReport) count(o outcome) {
	switch o {
	case outcomeNone:
		r.Evaluated++
	case outcomeExited:
		r.Evaluated++
		r.Exited++
	case outcomeFailed:
		r.Evaluated++
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeBusy:
		r.Busy++
	case outcomeFlagged:
		r.Flagged++
	}
}

func (r *SweepReport) add(o SweepReport) {
	r.Evaluated += o.Evaluated
	r.Exited += o.Exited
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Busy += o.Busy
	r.Flagged += o.Flagged
	r.Deferred += o.Deferred
}

func (r SweepReport) outcome() metrics.SweepOutcome {
	return metrics.SweepOutcome{
		Evaluated: r.Evaluated,
		Exited:    r.Exited,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Busy:      r.Busy,
		Deferred:  r.Deferred,
		Flagged:   r.Flagged,
	}
}

func (r SweepReport) fields() []zap.Field {
	return []zap.Field{
		zap.Duration("duration", r.Duration),
		zap.Int("accounts", r.Accounts),
		zap.Int("evaluated", r.Evaluated),
		zap.Int("exited", r.Exited),
		zap.Int("failed", r.Failed),
		zap.Int("skipped", r.Skipped),
		zap.Int("busy", r.Busy),
		zap.Int("flagged", r.Flagged),
		zap.Int("deferred", r.Deferred),
		zap.Bool("interrupted", r.Interrupted),
	}
}
