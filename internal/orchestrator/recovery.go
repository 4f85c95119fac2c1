package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/store"
)

// Recover runs once at startup before any intent is admitted: it replays the
// sponsor journal, reconciles reservations with their records, resumes
// stranded submissions and settles anything already submitted.
func (o *Orchestrator) Recover(ctx context.Context) error {
	res, err := o.sponsor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sponsor journal: %w", err)
	}
	released := o.sweepReservations(ctx)

	stranded, err := o.st.ListByState(ctx, store.AwaitingSubmit)
	if err != nil {
		return fmt.Errorf("list awaiting submit: %w", err)
	}
	for _, rec := range stranded {
		if err := o.resubmit(ctx, rec); err != nil {
			o.log.Warn("recovery: resubmit", zap.String("tx", rec.ID), zap.Error(err))
		}
	}
	settled := o.ConfirmSubmitted(ctx)

	o.log.Info("recovery done",
		zap.Int("reservations", len(res)),
		zap.Int("released", released),
		zap.Int("resubmitted", len(stranded)),
		zap.Int("settled", settled),
	)
	return nil
}
