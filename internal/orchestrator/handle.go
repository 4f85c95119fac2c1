package orchestrator

import (
	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/store"
)

// Handle is what callers poll: the record's state plus, while a signature is
// awaited, the unsigned members to sign.
type Handle struct {
	ID             string       `json:"id"`
	Kind           string       `json:"kind"`
	State          store.State  `json:"state"`
	GroupID        string       `json:"group_id,omitempty"`
	TxID           string       `json:"txid,omitempty"`
	Members        []string     `json:"unsigned_group,omitempty"`
	Signers        []string     `json:"signers,omitempty"`
	Quote          uint64       `json:"sponsor_quote,omitempty"`
	ExpiresRound   uint64       `json:"expires_round,omitempty"`
	LastValid      uint64       `json:"last_valid,omitempty"`
	ConfirmedRound uint64       `json:"confirmed_round,omitempty"`
	Error          *HandleError `json:"error,omitempty"`
}

type HandleError struct {
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
	Logs   []string    `json:"logs,omitempty"`
}

func handleOf(r *store.Record) *Handle {
	h := &Handle{
		ID:             r.ID,
		Kind:           r.IntentKind,
		State:          r.State,
		GroupID:        r.GroupID,
		Quote:          r.QuoteTotal,
		ExpiresRound:   r.ExpiresRound,
		LastValid:      r.LastValid,
		ConfirmedRound: r.ConfirmedRound,
	}
	if r.State == store.Submitted || r.State == store.Confirmed || r.State == store.AwaitingSubmit {
		h.TxID = r.TxID
	}
	if r.ErrorKind != "" {
		h.Error = &HandleError{Kind: r.ErrorKind, Reason: r.ErrorReason, Logs: r.ErrorLogs}
	}
	if r.State == store.AwaitingUserSig && len(r.Group) > 0 {
		if g, err := group.Unmarshal(r.Group); err == nil {
			h.Members = g.UnsignedB64()
			for _, e := range g.Envelopes {
				h.Signers = append(h.Signers, string(e.Role))
			}
		}
	}
	return h
}
