package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/store"
)

// RunSweeper expires abandoned records, retries stranded submissions and
// drops orphaned reservations until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	interval := o.timing.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			o.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// SweepStats counts what one Sweep pass changed.
type SweepStats struct {
	Expired      int
	Resubmitted  int
	Interrupted  int
	Reservations int
}

// Sweep runs one pass.
func (o *Orchestrator) Sweep(ctx context.Context) SweepStats {
	var st SweepStats
	round, err := o.node.CurrentRound(ctx)
	if err != nil {
		o.log.Error("sweeper: current round", zap.Error(err))
	} else {
		st.Expired = o.expireStale(ctx, round)
	}
	st.Resubmitted = o.retryStranded(ctx, o.now().Add(-o.timing.SubmitTimeout()))
	st.Interrupted = o.failInterrupted(ctx, o.now().Add(-o.timing.SubmitTimeout()))
	st.Reservations = o.sweepReservations(ctx)
	if st != (SweepStats{}) {
		o.log.Info("sweep done", zap.Int("expired", st.Expired), zap.Int("resubmitted", st.Resubmitted),
			zap.Int("interrupted", st.Interrupted), zap.Int("reservations", st.Reservations))
	}
	return st
}

func (o *Orchestrator) expireStale(ctx context.Context, round uint64) int {
	recs, err := o.st.ListByState(ctx, store.AwaitingUserSig)
	if err != nil {
		o.log.Error("sweeper: list awaiting signatures", zap.Error(err))
		return 0
	}
	n := 0
	for _, rec := range recs {
		if round > rec.ExpiresRound {
			o.expire(ctx, rec)
			n++
		}
	}
	return n
}

// retryStranded resubmits awaiting_submit records whose submit call should
// have finished before cutoff.
func (o *Orchestrator) retryStranded(ctx context.Context, cutoff time.Time) int {
	recs, err := o.st.ListByState(ctx, store.AwaitingSubmit)
	if err != nil {
		o.log.Error("sweeper: list awaiting submit", zap.Error(err))
		return 0
	}
	n := 0
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.resubmit(ctx, rec); err != nil {
			o.log.Warn("sweeper: resubmit", zap.String("tx", rec.ID), zap.Error(err))
		}
		n++
	}
	return n
}

// failInterrupted fails pending_build records left behind by a crash mid
// build. Their reservation, if any, is released by sweepReservations.
func (o *Orchestrator) failInterrupted(ctx context.Context, cutoff time.Time) int {
	recs, err := o.st.ListByState(ctx, store.PendingBuild)
	if err != nil {
		o.log.Error("sweeper: list pending build", zap.Error(err))
		return 0
	}
	n := 0
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.markFailed(ctx, rec, store.PendingBuild, apperr.New(apperr.Internal, "build interrupted")); err != nil {
			continue
		}
		n++
	}
	return n
}

// sweepReservations releases reservations whose record is gone or terminal,
// plus any past their TTL.
func (o *Orchestrator) sweepReservations(ctx context.Context) int {
	n := len(o.sponsor.SweepExpired(ctx))
	for _, res := range o.sponsor.Reservations() {
		rec, err := o.st.Get(ctx, res.RecordID)
		switch {
		case apperr.Is(err, apperr.NotFound):
		case err != nil:
			o.log.Error("sweeper: load record", zap.String("tx", res.RecordID), zap.Error(err))
			continue
		case !rec.State.Terminal() && (rec.ReservationID == "" || rec.ReservationID == res.ID):
			continue
		case rec.State == store.Confirmed && rec.ReservationID == res.ID:
			// confirmed but the commit was lost; commit now
			if err := o.sponsor.Commit(ctx, res.ID, rec.SponsorSpend, rec.ConfirmedRound); err != nil {
				o.log.Error("sweeper: commit", zap.String("tx", rec.ID), zap.Error(err))
				continue
			}
			n++
			continue
		}
		if err := o.sponsor.Release(ctx, res.ID); err != nil {
			o.log.Error("sweeper: release", zap.String("reservation", res.ID), zap.Error(err))
			continue
		}
		o.log.Info("orphaned reservation released", zap.String("reservation", res.ID), zap.String("tx", res.RecordID))
		n++
	}
	return n
}
