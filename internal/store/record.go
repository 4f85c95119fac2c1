// Package store persists transaction records: one per idempotency key, with
// compare-and-set state transitions.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

// State is a record's lifecycle position.
type State string

const (
	PendingBuild    State = "pending_build"
	AwaitingUserSig State = "awaiting_user_sig"
	AwaitingSubmit  State = "awaiting_submit"
	Submitted       State = "submitted"
	Confirmed       State = "confirmed"
	Failed          State = "failed"
	Expired         State = "expired"
	Reverted        State = "reverted"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{PendingBuild, AwaitingUserSig, AwaitingSubmit, Submitted, Confirmed, Failed, Expired, Reverted}
}

func (s State) Terminal() bool {
	switch s {
	case Confirmed, Failed, Expired, Reverted:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a caller may still revert the record.
func (s State) Cancellable() bool {
	return s == PendingBuild || s == AwaitingUserSig
}

var transitions = map[State][]State{
	PendingBuild:    {AwaitingUserSig, AwaitingSubmit, Failed, Reverted},
	AwaitingUserSig: {AwaitingSubmit, Expired, Failed, Reverted},
	AwaitingSubmit:  {Submitted, Failed},
	Submitted:       {Confirmed, Failed},
}

// CanTransition reports whether from → to is a legal edge. Terminal states
// have no outgoing edges.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is one intent's journey from admission to a terminal state.
type Record struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	IntentKind     string          `json:"intent_kind"`
	IntentHash     string          `json:"intent_hash"`
	Intent         json.RawMessage `json:"intent"`
	State          State           `json:"state"`

	GroupID string `json:"group_id,omitempty"`
	// TxID is the on-chain id of the group's first member.
	TxID          string `json:"on_chain_txid,omitempty"`
	Group         []byte `json:"group,omitempty"`
	SignedGroup   []byte `json:"signed_group,omitempty"`
	ReservationID string `json:"sponsor_reservation_id,omitempty"`
	QuoteTotal    uint64 `json:"quote_total,omitempty"`

	// ExpiresRound is the last round a client signature is accepted.
	ExpiresRound   uint64 `json:"expires_round,omitempty"`
	LastValid      uint64 `json:"last_valid,omitempty"`
	SubmitAttempts int    `json:"submit_attempts,omitempty"`
	ConfirmedRound uint64 `json:"confirmed_round,omitempty"`
	SponsorSpend   uint64 `json:"sponsor_spend,omitempty"`

	ErrorKind   apperr.Kind `json:"error_kind,omitempty"`
	ErrorReason string      `json:"error_reason,omitempty"`
	ErrorLogs   []string    `json:"error_logs,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Fail copies err's kind, reason and logs onto r.
func (r *Record) Fail(err error) {
	r.ErrorKind = apperr.KindOf(err)
	r.ErrorReason = err.Error()
	if e, ok := apperr.As(err); ok {
		r.ErrorReason = e.Reason
		if e.Err != nil {
			r.ErrorReason += ": " + e.Err.Error()
		}
		r.ErrorLogs = e.Logs
	}
}

// Tombstone is the part of a terminal record kept after its bytes age out:
// enough to replay the key and report the outcome.
func (r *Record) Tombstone() *Record {
	t := *r
	t.Intent = nil
	t.Group = nil
	t.SignedGroup = nil
	t.ErrorLogs = nil
	return &t
}

// Err rebuilds the typed error a failed record carries, or nil.
func (r *Record) Err() error {
	if r.ErrorKind == "" {
		return nil
	}
	return &apperr.Error{Kind: r.ErrorKind, Reason: r.ErrorReason, Logs: r.ErrorLogs}
}

// Store is the record persistence contract both backends satisfy.
type Store interface {
	// Create inserts r unless its idempotency key is taken, in which case the
	// existing record is returned with created=false.
	Create(ctx context.Context, r *Record) (existing *Record, created bool, err error)
	// Get returns NotFound for unknown ids.
	Get(ctx context.Context, id string) (*Record, error)
	GetByKey(ctx context.Context, key string) (*Record, error)
	// Transition moves id from → to if the record is still in from, applying
	// mutate to the stored copy first. A record no longer in from yields
	// IllegalTransition.
	Transition(ctx context.Context, id string, from, to State, mutate func(*Record)) (*Record, error)
	// Update rewrites non-state fields of a record still in state.
	Update(ctx context.Context, id string, state State, mutate func(*Record)) (*Record, error)
	ListByState(ctx context.Context, states ...State) ([]*Record, error)
	Close() error
}

// stamp fills the id and timestamps of a record about to be created.
func stamp(r *Record, now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// applyTransition checks the edge and stamps timestamps; shared by backends.
func applyTransition(r *Record, from, to State, mutate func(*Record), now time.Time) error {
	if r.State != from {
		return apperr.New(apperr.IllegalTransition, "record %s is %s, not %s", r.ID, r.State, from)
	}
	if !CanTransition(from, to) {
		return apperr.New(apperr.IllegalTransition, "record %s: %s → %s", r.ID, from, to)
	}
	id, key := r.ID, r.IdempotencyKey
	if mutate != nil {
		mutate(r)
	}
	r.ID, r.IdempotencyKey = id, key
	r.State = to
	r.UpdatedAt = now
	if to == Submitted && r.SubmittedAt == nil {
		r.SubmittedAt = &now
	}
	if to.Terminal() {
		r.FinalizedAt = &now
	}
	return nil
}

func applyUpdate(r *Record, state State, mutate func(*Record), now time.Time) error {
	if r.State != state {
		return apperr.New(apperr.IllegalTransition, "record %s is %s, not %s", r.ID, r.State, state)
	}
	id, key := r.ID, r.IdempotencyKey
	mutate(r)
	r.ID, r.IdempotencyKey, r.State = id, key, state
	r.UpdatedAt = now
	return nil
}
