package orchestrator

import (
	"context"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/store"
)

// storeWriteTimeout bounds the record write that follows a node exchange.
const storeWriteTimeout = 5 * time.Second

// writeCtx is a context for recording the outcome of an exchange whose own
// deadline may already have passed.
func writeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), storeWriteTimeout)
}

// submit sends a fully signed awaiting_submit record. A transport failure
// earns one re-submit of the same bytes, preceded by a pending lookup in
// case the first attempt landed.
func (o *Orchestrator) submit(parent context.Context, rec *store.Record, stxns []types.SignedTxn) (*store.Record, error) {
	ctx, cancel := context.WithTimeout(parent, o.timing.SubmitTimeout())
	defer cancel()
	wctx, wcancel := writeCtx(parent)
	defer wcancel()

	if o.timing.DryRun {
		res, err := o.node.DryRun(ctx, stxns)
		switch {
		case err != nil:
			o.log.Warn("dry run unavailable, submitting anyway", zap.String("tx", rec.ID), zap.Error(err))
		case !res.OK:
			o.log.Info("dry run rejected", zap.String("tx", rec.ID), zap.String("reason", res.Message),
				zap.Uint64s("failed_at", res.FailedAt))
			return nil, o.fail(wctx, rec, store.AwaitingSubmit, apperr.Rejected(res.Message, res.Logs))
		}
	}

	raw := envelope.EncodeSigned(stxns)
	attempts := 1
	_, err := o.node.Submit(ctx, raw, rec.TxID)
	if apperr.Is(err, apperr.RpcUnavailable) {
		if o.landed(ctx, rec.TxID) {
			err = nil
		} else {
			o.log.Warn("submit failed, retrying once", zap.String("tx", rec.ID), zap.Error(err))
			attempts++
			_, err = o.node.Submit(ctx, raw, rec.TxID)
		}
	}
	if err != nil {
		if apperr.Is(err, apperr.RpcUnavailable) && o.landed(ctx, rec.TxID) {
			err = nil
		} else {
			return nil, o.fail(wctx, rec, store.AwaitingSubmit, err)
		}
	}

	return o.transition(wctx, rec.ID, store.AwaitingSubmit, store.Submitted, func(r *store.Record) {
		r.SignedGroup = raw
		r.SubmitAttempts += attempts
	})
}

// landed reports whether the node already holds txid without a pool error.
func (o *Orchestrator) landed(ctx context.Context, txid string) bool {
	p, err := o.node.Pending(ctx, txid)
	return err == nil && p.Known && p.PoolError == ""
}

// resubmit re-examines an awaiting_submit record found by the sweeper or at
// startup: a group the node already holds moves to submitted, one still in
// its validity window is sent again, anything else fails.
func (o *Orchestrator) resubmit(ctx context.Context, rec *store.Record) error {
	if len(rec.SignedGroup) == 0 {
		return o.fail(ctx, rec, store.AwaitingSubmit, apperr.New(apperr.Internal, "no signed group stored"))
	}
	if o.landed(ctx, rec.TxID) {
		_, err := o.transition(ctx, rec.ID, store.AwaitingSubmit, store.Submitted, nil)
		return err
	}
	round, err := o.node.CurrentRound(ctx)
	if err != nil {
		return err
	}
	if round >= rec.LastValid {
		return o.fail(ctx, rec, store.AwaitingSubmit,
			apperr.New(apperr.ConfirmationTimeout, "never submitted before last valid round %d", rec.LastValid))
	}
	stxns, err := envelope.DecodeSigned(rec.SignedGroup)
	if err != nil {
		return o.fail(ctx, rec, store.AwaitingSubmit, apperr.Wrap(apperr.Internal, err, "stored signed group"))
	}
	_, err = o.submit(ctx, rec, stxns)
	return err
}
