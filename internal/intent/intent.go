// Package intent defines the high-level requests the gateway accepts. An
// intent is decoded once, validated, hashed for idempotency and never
// mutated afterwards.
package intent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

// Kind tags an intent.
type Kind string

const (
	KindPayment            Kind = "payment"
	KindSend               Kind = "send"
	KindP2PCreate          Kind = "p2p_create"
	KindP2PAccept          Kind = "p2p_accept"
	KindP2PConfirm         Kind = "p2p_confirm"
	KindP2PCancel          Kind = "p2p_cancel"
	KindP2PDispute         Kind = "p2p_dispute"
	KindP2PResolve         Kind = "p2p_resolve"
	KindInviteCreate       Kind = "invite_create"
	KindInviteClaim        Kind = "invite_claim"
	KindInviteReclaim      Kind = "invite_reclaim"
	KindPayrollPayout      Kind = "payroll_payout"
	KindPayrollFund        Kind = "payroll_fund"
	KindPayrollWithdraw    Kind = "payroll_withdraw"
	KindPresaleClaim       Kind = "presale_claim"
	KindRewardClaim        Kind = "reward_claim"
	KindRewardMarkEligible Kind = "reward_mark_eligible"
)

// Intent is implemented by every request type.
type Intent interface {
	Kind() Kind
	Validate() error
}

// Asset symbols a caller may name. Ids come from the deployment config.
const (
	AssetCUSD   = "cusd"
	AssetCONFIO = "confio"
)

// Limits on caller-chosen identifiers; they become box keys.
const (
	MaxIDLen   = 56
	MaxNoteLen = 512
)

// Box-key prefixes reserved by the contracts. Ids that start with one would
// collide with another box.
const (
	ReceiptPrefix = "r:"
	DisputePrefix = "d:"
)

// Decode parses raw JSON into the intent type registered for kind and
// validates it.
func Decode(kind Kind, raw json.RawMessage) (Intent, error) {
	newFn, ok := registry[kind]
	if !ok {
		return nil, apperr.New(apperr.InvalidIntent, "unknown intent kind %q", kind)
	}
	in := newFn()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, apperr.Wrap(apperr.InvalidIntent, err, "malformed intent")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Hash returns a stable digest of kind and payload. Two submissions under
// one idempotency key must hash equal.
func Hash(in Intent) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(in.Kind()))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Kinds lists every registered kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

var registry = map[Kind]func() Intent{
	KindPayment:            func() Intent { return &PaymentIntent{} },
	KindSend:               func() Intent { return &SendIntent{} },
	KindP2PCreate:          func() Intent { return &P2PCreateIntent{} },
	KindP2PAccept:          func() Intent { return &P2PAcceptIntent{} },
	KindP2PConfirm:         func() Intent { return &P2PConfirmIntent{} },
	KindP2PCancel:          func() Intent { return &P2PCancelIntent{} },
	KindP2PDispute:         func() Intent { return &P2PDisputeIntent{} },
	KindP2PResolve:         func() Intent { return &P2PResolveIntent{} },
	KindInviteCreate:       func() Intent { return &InviteCreateIntent{} },
	KindInviteClaim:        func() Intent { return &InviteClaimIntent{} },
	KindInviteReclaim:      func() Intent { return &InviteReclaimIntent{} },
	KindPayrollPayout:      func() Intent { return &PayrollPayoutIntent{} },
	KindPayrollFund:        func() Intent { return &PayrollFundIntent{} },
	KindPayrollWithdraw:    func() Intent { return &PayrollWithdrawIntent{} },
	KindPresaleClaim:       func() Intent { return &PresaleClaimIntent{} },
	KindRewardClaim:        func() Intent { return &RewardClaimIntent{} },
	KindRewardMarkEligible: func() Intent { return &RewardMarkEligibleIntent{} },
}

// ── validation helpers ────────────────────────────────────────────────────────

// Addr parses a base32 address, rejecting the zero address.
func Addr(field, s string) (types.Address, error) {
	a, err := types.DecodeAddress(s)
	if err != nil {
		return types.Address{}, apperr.New(apperr.InvalidIntent, "%s: invalid address", field)
	}
	if a.IsZero() {
		return types.Address{}, apperr.New(apperr.InvalidIntent, "%s: zero address", field)
	}
	return a, nil
}

// MustAddr is Addr for already validated intents.
func MustAddr(s string) types.Address {
	a, err := types.DecodeAddress(s)
	if err != nil {
		panic(fmt.Sprintf("intent: unvalidated address %q", s))
	}
	return a
}

func checkAddrs(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if _, err := Addr(fields[i], fields[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func checkDistinct(aField, a, bField, b string) error {
	if a == b {
		return apperr.New(apperr.InvalidIntent, "%s must differ from %s", aField, bField)
	}
	return nil
}

func checkAsset(s string) error {
	switch s {
	case AssetCUSD, AssetCONFIO:
		return nil
	}
	return apperr.New(apperr.InvalidIntent, "unknown asset %q", s)
}

func checkAmount(field string, v uint64) error {
	if v == 0 {
		return apperr.New(apperr.InvalidIntent, "%s must be positive", field)
	}
	return nil
}

func checkID(field, id string) error {
	if id == "" {
		return apperr.New(apperr.InvalidIntent, "%s is required", field)
	}
	if len(id) > MaxIDLen {
		return apperr.New(apperr.InvalidIntent, "%s longer than %d bytes", field, MaxIDLen)
	}
	return nil
}

func checkNote(field, s string) error {
	if len(s) > MaxNoteLen {
		return apperr.New(apperr.InvalidIntent, "%s longer than %d bytes", field, MaxNoteLen)
	}
	return nil
}
