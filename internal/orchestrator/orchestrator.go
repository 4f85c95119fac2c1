// Package orchestrator drives one transaction record from intent to a
// terminal state: build, reserve, wait for signatures, sponsor-sign, submit
// and confirm.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/chain"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
	"github.com/confio/sponsor-gateway/internal/metrics"
	"github.com/confio/sponsor-gateway/internal/signer"
	"github.com/confio/sponsor-gateway/internal/sponsor"
	"github.com/confio/sponsor-gateway/internal/store"
	"github.com/confio/sponsor-gateway/internal/templates"
	"github.com/confio/sponsor-gateway/internal/validator"
)

// Node is the slice of the chain client the orchestrator uses.
type Node interface {
	SuggestedParams(ctx context.Context) (envelope.SuggestedParams, error)
	CurrentRound(ctx context.Context) (uint64, error)
	DryRun(ctx context.Context, stxns []types.SignedTxn) (chain.DryRunResult, error)
	Submit(ctx context.Context, raw []byte, txid string) (string, error)
	Pending(ctx context.Context, txid string) (chain.PendingInfo, error)
	OptedIn(ctx context.Context, addr types.Address, assetID uint64) (bool, error)
	AppGlobalState(ctx context.Context, appID uint64) (map[string]chain.TealValue, error)
	AppBox(ctx context.Context, appID uint64, name []byte) ([]byte, bool, error)
	AccountBalance(ctx context.Context, addr types.Address) (chain.Account, error)
}

// Orchestrator owns every record's lifecycle. No lock is held while a
// record waits for client signatures; records move only through the
// store's compare-and-set transitions.
type Orchestrator struct {
	timing  config.TimingConfig
	st      store.Store
	node    Node
	reg     *templates.Registry
	signer  *signer.Service
	sponsor *sponsor.Accounting
	log     *zap.Logger
	now     func() time.Time
}

func New(
	cfg *config.Config,
	st store.Store,
	node Node,
	reg *templates.Registry,
	sig *signer.Service,
	acct *sponsor.Accounting,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		timing:  cfg.Timing,
		st:      st,
		node:    node,
		reg:     reg,
		signer:  sig,
		sponsor: acct,
		log:     log,
		now:     time.Now,
	}
}

// ── submit ────────────────────────────────────────────────────────────────────

// Submit admits an intent under key. A key seen before returns the existing
// record's handle; a different payload under the same key is Duplicate.
func (o *Orchestrator) Submit(ctx context.Context, kind intent.Kind, key string, raw json.RawMessage) (*Handle, error) {
	if key == "" {
		return nil, apperr.New(apperr.InvalidIntent, "idempotency key is required")
	}
	in, err := intent.Decode(kind, raw)
	if err != nil {
		metrics.Intent(string(kind), "invalid")
		return nil, err
	}
	hash, err := intent.Hash(in)
	if err != nil {
		return nil, err
	}

	if existing, err := o.st.GetByKey(ctx, key); err == nil {
		return o.replay(existing, hash)
	} else if !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	rec, created, err := o.st.Create(ctx, &store.Record{
		IdempotencyKey: key,
		IntentKind:     string(kind),
		IntentHash:     hash,
		Intent:         body,
		State:          store.PendingBuild,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return o.replay(rec, hash)
	}
	o.log.Info("intent admitted", zap.String("tx", rec.ID), zap.String("kind", string(kind)), zap.String("key", key))
	metrics.Transition(string(store.PendingBuild))

	rec, err = o.build(ctx, rec, in)
	if err != nil {
		metrics.Intent(string(kind), "rejected")
		return nil, err
	}
	metrics.Intent(string(kind), "accepted")
	return handleOf(rec), nil
}

func (o *Orchestrator) replay(rec *store.Record, hash string) (*Handle, error) {
	if rec.IntentHash != hash {
		metrics.Intent(rec.IntentKind, "duplicate")
		return nil, apperr.New(apperr.Duplicate, "idempotency key %q already used for a different intent", rec.IdempotencyKey)
	}
	metrics.Intent(rec.IntentKind, "replayed")
	return handleOf(rec), nil
}

// build turns a pending_build record into a group with funds reserved. Groups
// that need no outside signature continue straight to submission.
func (o *Orchestrator) build(ctx context.Context, rec *store.Record, in intent.Intent) (*store.Record, error) {
	g, err := o.assemble(ctx, in)
	if err != nil {
		return nil, o.fail(ctx, rec, store.PendingBuild, err)
	}
	res, q, err := o.sponsor.Reserve(ctx, rec.ID, in)
	if err != nil {
		return nil, o.fail(ctx, rec, store.PendingBuild, err)
	}
	if outlay := g.SponsorOutlay(o.signer.Address()); outlay > q.Total {
		o.releaseID(ctx, rec.ID, res.ID)
		return nil, o.fail(ctx, rec, store.PendingBuild,
			apperr.New(apperr.Internal, "%s group spends %d, quoted %d", g.Kind, outlay, q.Total))
	}
	data, err := g.Marshal()
	if err != nil {
		o.releaseID(ctx, rec.ID, res.ID)
		return nil, o.fail(ctx, rec, store.PendingBuild, err)
	}

	next := store.AwaitingUserSig
	if !g.ExternalSigners() {
		next = store.AwaitingSubmit
	}
	expires := g.LastValid()
	if expires > o.timing.SafetyMargin {
		expires -= o.timing.SafetyMargin
	}
	out, err := o.transition(ctx, rec.ID, store.PendingBuild, next, func(r *store.Record) {
		r.GroupID = base64ID(g.ID)
		r.TxID = g.TxID()
		r.Group = data
		r.ReservationID = res.ID
		r.QuoteTotal = q.Total
		r.LastValid = g.LastValid()
		r.ExpiresRound = expires
	})
	if err != nil {
		// cancelled while building
		o.releaseID(ctx, rec.ID, res.ID)
		return o.current(ctx, rec.ID, err)
	}
	if next == store.AwaitingUserSig {
		return out, nil
	}

	sg := group.NewSigned(g)
	if err := o.signer.SignAll(ctx, g.Envelopes, sg.Txns); err != nil {
		return nil, o.fail(ctx, out, store.AwaitingSubmit, err)
	}
	return o.submit(ctx, out, sg.Txns)
}

// assemble fetches the template's chain reads and builds the group.
func (o *Orchestrator) assemble(ctx context.Context, in intent.Intent) (*group.Group, error) {
	plan, err := o.reg.Reads(in)
	if err != nil {
		return nil, err
	}
	p, err := o.node.SuggestedParams(ctx)
	if err != nil {
		return nil, err
	}
	reads, err := o.fetchReads(ctx, plan)
	if err != nil {
		return nil, err
	}
	return o.reg.Build(in, p, reads)
}

// ── resume ────────────────────────────────────────────────────────────────────

// Resume accepts the client-signed group for id, adds the sponsor signatures
// and submits. Calling it again after success returns the current handle.
func (o *Orchestrator) Resume(ctx context.Context, id string, signed []types.SignedTxn) (*Handle, error) {
	rec, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case store.AwaitingUserSig:
	case store.AwaitingSubmit, store.Submitted, store.Confirmed:
		return handleOf(rec), nil
	case store.Failed, store.Expired, store.Reverted:
		if e := rec.Err(); e != nil {
			return nil, e
		}
		return nil, apperr.New(apperr.IllegalTransition, "transaction %s is %s", id, rec.State)
	default:
		return nil, apperr.New(apperr.IllegalTransition, "transaction %s is not awaiting signatures", id)
	}

	round, err := o.node.CurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round > rec.ExpiresRound {
		o.expire(ctx, rec)
		return nil, apperr.New(apperr.Expired, "signature window closed at round %d", rec.ExpiresRound)
	}

	g, err := group.Unmarshal(rec.Group)
	if err != nil {
		return nil, o.fail(ctx, rec, store.AwaitingUserSig, apperr.Wrap(apperr.Internal, err, "stored group"))
	}
	auth, err := o.authorizers(ctx, g, signed)
	if err != nil {
		return nil, err
	}
	sg, err := validator.Validate(g, signed, auth)
	if err != nil {
		o.log.Warn("client group rejected", zap.String("tx", id), zap.Error(err))
		return nil, o.fail(ctx, rec, store.AwaitingUserSig, err)
	}
	if err := o.signer.SignAll(ctx, g.Envelopes, sg.Txns); err != nil {
		if apperr.KindOf(err).Retryable() {
			// the record stays open; the client may resume again
			return nil, err
		}
		return nil, o.fail(ctx, rec, store.AwaitingUserSig, err)
	}

	raw := sg.Bytes()
	out, err := o.transition(ctx, id, store.AwaitingUserSig, store.AwaitingSubmit, func(r *store.Record) {
		r.SignedGroup = raw
	})
	if err != nil {
		rec, _ := o.current(ctx, id, err)
		if rec != nil {
			return handleOf(rec), nil
		}
		return nil, err
	}
	out, err = o.submit(ctx, out, sg.Txns)
	if err != nil {
		return nil, err
	}
	return handleOf(out), nil
}

// ── status / cancel / wait ────────────────────────────────────────────────────

func (o *Orchestrator) Status(ctx context.Context, id string) (*Handle, error) {
	rec, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return handleOf(rec), nil
}

// Cancel reverts a record that has not been signed by the sponsor yet.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Handle, error) {
	rec, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.State.Cancellable() {
		return nil, apperr.New(apperr.IllegalTransition, "transaction %s is %s and cannot be cancelled", id, rec.State)
	}
	out, err := o.transition(ctx, id, rec.State, store.Reverted, func(r *store.Record) {
		r.ErrorReason = "cancelled by caller"
	})
	if err != nil {
		return nil, err
	}
	o.release(ctx, out)
	return handleOf(out), nil
}

// Wait polls id with exponential backoff until it is terminal, ctx ends or
// one round window of wall time passes.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Handle, error) {
	budget := time.Duration(o.timing.RoundWindow) * o.timing.RoundDuration()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	b := o.pollBackoff()
	for {
		rec, err := o.st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.State == store.Submitted {
			if next, err := o.settle(ctx, rec); err == nil {
				rec = next
			}
		}
		if rec.State.Terminal() || rec.State == store.AwaitingUserSig {
			return handleOf(rec), nil
		}
		select {
		case <-ctx.Done():
			return handleOf(rec), nil
		case <-time.After(b.Duration()):
		}
	}
}

// ── lifecycle helpers ─────────────────────────────────────────────────────────

func (o *Orchestrator) transition(ctx context.Context, id string, from, to store.State, mutate func(*store.Record)) (*store.Record, error) {
	rec, err := o.st.Transition(ctx, id, from, to, mutate)
	if err != nil {
		return nil, err
	}
	o.log.Info("tx transition", zap.String("tx", id), zap.String("from", string(from)), zap.String("to", string(to)))
	metrics.Transition(string(to))
	return rec, nil
}

// fail moves rec from → failed carrying cause, releases its reservation and
// returns cause for the caller. A failed store write is logged; the sweeper
// retries it.
func (o *Orchestrator) fail(ctx context.Context, rec *store.Record, from store.State, cause error) error {
	_ = o.markFailed(ctx, rec, from, cause)
	return cause
}

// markFailed is fail for callers that act on the store error themselves.
func (o *Orchestrator) markFailed(ctx context.Context, rec *store.Record, from store.State, cause error) error {
	out, err := o.transition(ctx, rec.ID, from, store.Failed, func(r *store.Record) { r.Fail(cause) })
	if err != nil {
		o.log.Warn("mark failed", zap.String("tx", rec.ID), zap.NamedError("cause", cause), zap.Error(err))
		return err
	}
	o.release(ctx, out)
	return nil
}

func (o *Orchestrator) expire(ctx context.Context, rec *store.Record) {
	out, err := o.transition(ctx, rec.ID, store.AwaitingUserSig, store.Expired, func(r *store.Record) {
		r.Fail(apperr.New(apperr.Expired, "no signature by round %d", rec.ExpiresRound))
	})
	if err != nil {
		return
	}
	o.release(ctx, out)
}

func (o *Orchestrator) release(ctx context.Context, rec *store.Record) {
	if rec.ReservationID == "" {
		return
	}
	o.releaseID(ctx, rec.ID, rec.ReservationID)
}

// releaseID frees a reservation. On error it stays held until the sweeper
// releases it.
func (o *Orchestrator) releaseID(ctx context.Context, txID, resID string) {
	if err := o.sponsor.Release(ctx, resID); err != nil {
		o.log.Warn("release reservation", zap.String("tx", txID), zap.String("reservation", resID), zap.Error(err))
		metrics.ReleaseFailed()
	}
}

// current re-reads id after a lost transition race; cause is returned when
// the record cannot be read.
func (o *Orchestrator) current(ctx context.Context, id string, cause error) (*store.Record, error) {
	if !apperr.Is(cause, apperr.IllegalTransition) {
		return nil, cause
	}
	rec, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return rec, nil
}

func base64ID(d types.Digest) string {
	return base64.StdEncoding.EncodeToString(d[:])
}
