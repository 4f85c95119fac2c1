package templates

import (
	"encoding/binary"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/intent"
)

// Box value sizes as laid out by the contracts.
const (
	TradeBoxLen       = 113
	DisputeBoxLen     = 72
	InvitationBoxLen  = 65
	ReceiptBoxLen     = 41
	VaultBoxLen       = 8
	EligibilityBoxLen = 16
)

// Box key prefixes.
const (
	DisputePrefix = intent.DisputePrefix
	VaultPrefix   = "VAULT"
)

// TradeStatus is the status byte of a trade box.
type TradeStatus byte

const (
	TradePending TradeStatus = iota
	TradeActive
	TradeCompleted
	TradeCancelled
	TradeDisputed
	TradeResolved
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeActive:
		return "active"
	case TradeCompleted:
		return "completed"
	case TradeCancelled:
		return "cancelled"
	case TradeDisputed:
		return "disputed"
	case TradeResolved:
		return "resolved"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// Trade is a decoded trade box:
// seller(32) buyer(32) amount(8) asset(8) created(8) expires(8) accepted(8) fiat(8) status(1).
type Trade struct {
	Seller     types.Address
	Buyer      types.Address
	Amount     uint64
	AssetID    uint64
	CreatedAt  uint64
	ExpiresAt  uint64
	AcceptedAt uint64
	FiatAmount uint64
	Status     TradeStatus
}

func DecodeTrade(v []byte) (Trade, error) {
	var t Trade
	if len(v) != TradeBoxLen {
		return t, fmt.Errorf("trade box: %d bytes, want %d", len(v), TradeBoxLen)
	}
	copy(t.Seller[:], v[0:32])
	copy(t.Buyer[:], v[32:64])
	t.Amount = binary.BigEndian.Uint64(v[64:72])
	t.AssetID = binary.BigEndian.Uint64(v[72:80])
	t.CreatedAt = binary.BigEndian.Uint64(v[80:88])
	t.ExpiresAt = binary.BigEndian.Uint64(v[88:96])
	t.AcceptedAt = binary.BigEndian.Uint64(v[96:104])
	t.FiatAmount = binary.BigEndian.Uint64(v[104:112])
	t.Status = TradeStatus(v[112])
	return t, nil
}

func (t Trade) Encode() []byte {
	v := make([]byte, 0, TradeBoxLen)
	v = append(v, t.Seller[:]...)
	v = append(v, t.Buyer[:]...)
	for _, n := range []uint64{t.Amount, t.AssetID, t.CreatedAt, t.ExpiresAt, t.AcceptedAt, t.FiatAmount} {
		v = append(v, be64(n)...)
	}
	return append(v, byte(t.Status))
}

// InviteStatus is the status byte of an invitation box.
type InviteStatus byte

const (
	InvitePending InviteStatus = iota
	InviteClaimed
	InviteReclaimed
)

// Invitation is a decoded invitation box:
// inviter(32) amount(8) asset(8) created(8) expires(8) status(1).
type Invitation struct {
	Inviter   types.Address
	Amount    uint64
	AssetID   uint64
	CreatedAt uint64
	ExpiresAt uint64
	Status    InviteStatus
}

func DecodeInvitation(v []byte) (Invitation, error) {
	var inv Invitation
	if len(v) != InvitationBoxLen {
		return inv, fmt.Errorf("invitation box: %d bytes, want %d", len(v), InvitationBoxLen)
	}
	copy(inv.Inviter[:], v[0:32])
	inv.Amount = binary.BigEndian.Uint64(v[32:40])
	inv.AssetID = binary.BigEndian.Uint64(v[40:48])
	inv.CreatedAt = binary.BigEndian.Uint64(v[48:56])
	inv.ExpiresAt = binary.BigEndian.Uint64(v[56:64])
	inv.Status = InviteStatus(v[64])
	return inv, nil
}

func (inv Invitation) Encode() []byte {
	v := make([]byte, 0, InvitationBoxLen)
	v = append(v, inv.Inviter[:]...)
	for _, n := range []uint64{inv.Amount, inv.AssetID, inv.CreatedAt, inv.ExpiresAt} {
		v = append(v, be64(n)...)
	}
	return append(v, byte(inv.Status))
}

// Eligibility is a decoded reward box: amount(8) claimed_at(8).
type Eligibility struct {
	Amount    uint64
	ClaimedAt uint64
}

func DecodeEligibility(v []byte) (Eligibility, error) {
	if len(v) != EligibilityBoxLen {
		return Eligibility{}, fmt.Errorf("eligibility box: %d bytes, want %d", len(v), EligibilityBoxLen)
	}
	return Eligibility{
		Amount:    binary.BigEndian.Uint64(v[0:8]),
		ClaimedAt: binary.BigEndian.Uint64(v[8:16]),
	}, nil
}

func (e Eligibility) Encode() []byte {
	return append(be64(e.Amount), be64(e.ClaimedAt)...)
}

// DecodeVault returns the vault balance.
func DecodeVault(v []byte) (uint64, error) {
	if len(v) != VaultBoxLen {
		return 0, fmt.Errorf("vault box: %d bytes, want %d", len(v), VaultBoxLen)
	}
	return binary.BigEndian.Uint64(v), nil
}

// EncodeVault is the inverse of DecodeVault.
func EncodeVault(balance uint64) []byte { return be64(balance) }

// ── key builders ──────────────────────────────────────────────────────────────

func TradeKey(id string) []byte       { return []byte(id) }
func DisputeKey(id string) []byte     { return []byte(DisputePrefix + id) }
func InvitationKey(id string) []byte  { return []byte(id) }
func ReceiptKey(id string) []byte     { return []byte(intent.ReceiptPrefix + id) }
func ItemKey(id string) []byte        { return []byte(id) }
func VaultKey(b types.Address) []byte { return append([]byte(VaultPrefix), b[:]...) }

// AllowlistKey is business||delegate; DelegateKey(d) is delegate||delegate.
func AllowlistKey(b, d types.Address) []byte { return append(append([]byte{}, b[:]...), d[:]...) }
func DelegateKey(d types.Address) []byte     { return AllowlistKey(d, d) }

func EligibilityKey(u types.Address) []byte { return append([]byte{}, u[:]...) }
