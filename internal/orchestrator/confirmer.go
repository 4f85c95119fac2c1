package orchestrator

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/metrics"
	"github.com/confio/sponsor-gateway/internal/store"
)

func (o *Orchestrator) pollBackoff() *backoff.Backoff {
	max := o.timing.RoundDuration()
	if max < o.timing.ConfirmPoll() {
		max = o.timing.ConfirmPoll()
	}
	return &backoff.Backoff{Min: o.timing.ConfirmPoll(), Max: max, Factor: 2, Jitter: true}
}

// RunConfirmer polls every submitted record until ctx is done.
func (o *Orchestrator) RunConfirmer(ctx context.Context) {
	interval := o.timing.ConfirmPoll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("confirmer started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			o.log.Info("confirmer stopped")
			return
		case <-ticker.C:
			o.ConfirmSubmitted(ctx)
		}
	}
}

// ConfirmSubmitted settles every submitted record once and returns how many
// reached a terminal state.
func (o *Orchestrator) ConfirmSubmitted(ctx context.Context) int {
	recs, err := o.st.ListByState(ctx, store.Submitted)
	if err != nil {
		o.log.Error("confirmer: list submitted", zap.Error(err))
		return 0
	}
	done := 0
	for _, rec := range recs {
		out, err := o.settle(ctx, rec)
		if err != nil {
			if !apperr.Is(err, apperr.IllegalTransition) {
				o.log.Error("confirmer: settle", zap.String("tx", rec.ID), zap.Error(err))
			}
			continue
		}
		if out.State.Terminal() {
			done++
		}
	}
	return done
}

// settle looks rec up on the node once. A confirmation commits the sponsor
// spend; a pool error fails it; passing last_valid fails it only after a
// final lookup rules out a late confirmation.
func (o *Orchestrator) settle(ctx context.Context, rec *store.Record) (*store.Record, error) {
	p, err := o.node.Pending(ctx, rec.TxID)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Confirmed():
		return o.confirm(ctx, rec, p.ConfirmedRound)
	case p.PoolError != "":
		return o.finalFail(ctx, rec, apperr.Rejected(p.PoolError, p.Logs))
	}

	round, err := o.node.CurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round <= rec.LastValid {
		return rec, nil
	}
	p, err = o.node.Pending(ctx, rec.TxID)
	if err != nil {
		return nil, err
	}
	if p.Confirmed() {
		return o.confirm(ctx, rec, p.ConfirmedRound)
	}
	return o.finalFail(ctx, rec, apperr.New(apperr.ConfirmationTimeout,
		"not confirmed by last valid round %d (node at %d)", rec.LastValid, round))
}

// confirm commits the built group's sponsor outlay. Fees and payment
// amounts are fixed in the signed bytes, so the chain debits exactly that;
// any difference shows up as drift on the next refresh.
func (o *Orchestrator) confirm(ctx context.Context, rec *store.Record, round uint64) (*store.Record, error) {
	var spend uint64
	if g, err := group.Unmarshal(rec.Group); err == nil {
		spend = g.SponsorOutlay(o.signer.Address())
	} else {
		o.log.Error("confirmer: stored group unreadable, committing quote", zap.String("tx", rec.ID), zap.Error(err))
		spend = rec.QuoteTotal
	}
	out, err := o.transition(ctx, rec.ID, store.Submitted, store.Confirmed, func(r *store.Record) {
		r.ConfirmedRound = round
		r.SponsorSpend = spend
	})
	if err != nil {
		return nil, err
	}
	if out.ReservationID != "" {
		if err := o.sponsor.Commit(ctx, out.ReservationID, spend, round); err != nil {
			o.log.Error("confirmer: commit spend", zap.String("tx", out.ID), zap.Error(err))
		}
	}
	if out.SubmittedAt != nil {
		metrics.Confirmed(out.UpdatedAt.Sub(*out.SubmittedAt))
	}
	o.log.Info("tx confirmed", zap.String("tx", out.ID), zap.String("txid", out.TxID),
		zap.Uint64("round", round), zap.Uint64("sponsor_spend", spend))
	return out, nil
}

func (o *Orchestrator) finalFail(ctx context.Context, rec *store.Record, cause error) (*store.Record, error) {
	out, err := o.transition(ctx, rec.ID, store.Submitted, store.Failed, func(r *store.Record) { r.Fail(cause) })
	if err != nil {
		return nil, err
	}
	o.release(ctx, out)
	return out, nil
}
