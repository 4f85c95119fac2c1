package intent

import (
	"encoding/hex"
	"strings"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

// ── payment / send ────────────────────────────────────────────────────────────

// PaymentIntent pays a merchant Total base units, of which the contract
// skims 0.9% to the fee recipient.
type PaymentIntent struct {
	Payer      string `json:"payer"`
	Merchant   string `json:"merchant"`
	Asset      string `json:"asset"`
	Total      uint64 `json:"total"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

func (*PaymentIntent) Kind() Kind { return KindPayment }

func (i *PaymentIntent) Validate() error {
	if err := checkAddrs("payer", i.Payer, "merchant", i.Merchant); err != nil {
		return err
	}
	if err := checkDistinct("merchant", i.Merchant, "payer", i.Payer); err != nil {
		return err
	}
	if err := checkAsset(i.Asset); err != nil {
		return err
	}
	if err := checkAmount("total", i.Total); err != nil {
		return err
	}
	return checkNote("payment_ref", i.PaymentRef)
}

// SendIntent moves an asset between two user accounts.
type SendIntent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

func (*SendIntent) Kind() Kind { return KindSend }

func (i *SendIntent) Validate() error {
	if err := checkAddrs("from", i.From, "to", i.To); err != nil {
		return err
	}
	if err := checkDistinct("to", i.To, "from", i.From); err != nil {
		return err
	}
	if err := checkAsset(i.Asset); err != nil {
		return err
	}
	if err := checkAmount("amount", i.Amount); err != nil {
		return err
	}
	return checkNote("memo", i.Memo)
}

// ── p2p trade ─────────────────────────────────────────────────────────────────

// P2PCreateIntent escrows Amount of Asset for a fiat trade.
type P2PCreateIntent struct {
	Seller       string `json:"seller"`
	TradeID      string `json:"trade_id"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	FiatAmount   uint64 `json:"fiat_amount"`
	FiatCurrency string `json:"fiat_currency"`
}

func (*P2PCreateIntent) Kind() Kind { return KindP2PCreate }

func (i *P2PCreateIntent) Validate() error {
	if err := checkAddrs("seller", i.Seller); err != nil {
		return err
	}
	if err := checkTradeID(i.TradeID); err != nil {
		return err
	}
	if err := checkAsset(i.Asset); err != nil {
		return err
	}
	if err := checkAmount("amount", i.Amount); err != nil {
		return err
	}
	if err := checkAmount("fiat_amount", i.FiatAmount); err != nil {
		return err
	}
	if len(i.FiatCurrency) != 3 || strings.ToUpper(i.FiatCurrency) != i.FiatCurrency {
		return apperr.New(apperr.InvalidIntent, "fiat_currency must be a 3-letter upper-case code")
	}
	return nil
}

type P2PAcceptIntent struct {
	Buyer   string `json:"buyer"`
	TradeID string `json:"trade_id"`
}

func (*P2PAcceptIntent) Kind() Kind { return KindP2PAccept }

func (i *P2PAcceptIntent) Validate() error {
	if err := checkAddrs("buyer", i.Buyer); err != nil {
		return err
	}
	return checkTradeID(i.TradeID)
}

// P2PConfirmIntent is the seller confirming fiat receipt, releasing escrow.
type P2PConfirmIntent struct {
	Seller  string `json:"seller"`
	TradeID string `json:"trade_id"`
}

func (*P2PConfirmIntent) Kind() Kind { return KindP2PConfirm }

func (i *P2PConfirmIntent) Validate() error {
	if err := checkAddrs("seller", i.Seller); err != nil {
		return err
	}
	return checkTradeID(i.TradeID)
}

// P2PCancelIntent returns escrow to the seller. Either party may cancel a
// trade nobody accepted; an accepted trade can only be cancelled once it
// has expired.
type P2PCancelIntent struct {
	Caller  string `json:"caller"`
	TradeID string `json:"trade_id"`
}

func (*P2PCancelIntent) Kind() Kind { return KindP2PCancel }

func (i *P2PCancelIntent) Validate() error {
	if err := checkAddrs("caller", i.Caller); err != nil {
		return err
	}
	return checkTradeID(i.TradeID)
}

type P2PDisputeIntent struct {
	Opener  string `json:"opener"`
	TradeID string `json:"trade_id"`
	// ReasonHash is the hex sha256 of the off-chain dispute statement.
	ReasonHash string `json:"reason_hash"`
}

func (*P2PDisputeIntent) Kind() Kind { return KindP2PDispute }

func (i *P2PDisputeIntent) Validate() error {
	if err := checkAddrs("opener", i.Opener); err != nil {
		return err
	}
	if err := checkTradeID(i.TradeID); err != nil {
		return err
	}
	if _, err := i.ReasonDigest(); err != nil {
		return err
	}
	return nil
}

// ReasonDigest decodes ReasonHash.
func (i *P2PDisputeIntent) ReasonDigest() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(i.ReasonHash, "0x"))
	if err != nil || len(raw) != len(out) {
		return out, apperr.New(apperr.InvalidIntent, "reason_hash must be 32 hex-encoded bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// Dispute winners.
const (
	WinnerBuyer  = "buyer"
	WinnerSeller = "seller"
)

// P2PResolveIntent is an operator ruling; only the sponsor signs it.
type P2PResolveIntent struct {
	TradeID string `json:"trade_id"`
	Winner  string `json:"winner"`
}

func (*P2PResolveIntent) Kind() Kind { return KindP2PResolve }

func (i *P2PResolveIntent) Validate() error {
	if err := checkTradeID(i.TradeID); err != nil {
		return err
	}
	if i.Winner != WinnerBuyer && i.Winner != WinnerSeller {
		return apperr.New(apperr.InvalidIntent, "winner must be %q or %q", WinnerBuyer, WinnerSeller)
	}
	return nil
}

// ── invite escrow ─────────────────────────────────────────────────────────────

// DefaultInviteTTL is used when ExpiresIn is omitted.
const DefaultInviteTTL = 30 * 24 * 3600

type InviteCreateIntent struct {
	Inviter      string `json:"inviter"`
	InvitationID string `json:"invitation_id"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	// ExpiresIn is in seconds.
	ExpiresIn uint64 `json:"expires_in,omitempty"`
}

func (*InviteCreateIntent) Kind() Kind { return KindInviteCreate }

func (i *InviteCreateIntent) Validate() error {
	if err := checkAddrs("inviter", i.Inviter); err != nil {
		return err
	}
	if err := checkInvitationID(i.InvitationID); err != nil {
		return err
	}
	if err := checkAsset(i.Asset); err != nil {
		return err
	}
	return checkAmount("amount", i.Amount)
}

// TTL returns ExpiresIn or the default.
func (i *InviteCreateIntent) TTL() uint64 {
	if i.ExpiresIn == 0 {
		return DefaultInviteTTL
	}
	return i.ExpiresIn
}

type InviteClaimIntent struct {
	Claimant     string `json:"claimant"`
	InvitationID string `json:"invitation_id"`
}

func (*InviteClaimIntent) Kind() Kind { return KindInviteClaim }

func (i *InviteClaimIntent) Validate() error {
	if err := checkAddrs("claimant", i.Claimant); err != nil {
		return err
	}
	return checkInvitationID(i.InvitationID)
}

type InviteReclaimIntent struct {
	Inviter      string `json:"inviter"`
	InvitationID string `json:"invitation_id"`
}

func (*InviteReclaimIntent) Kind() Kind { return KindInviteReclaim }

func (i *InviteReclaimIntent) Validate() error {
	if err := checkAddrs("inviter", i.Inviter); err != nil {
		return err
	}
	return checkInvitationID(i.InvitationID)
}

func checkTradeID(id string) error {
	if err := checkID("trade_id", id); err != nil {
		return err
	}
	if strings.HasPrefix(id, DisputePrefix) {
		return apperr.New(apperr.InvalidIntent, "trade_id may not start with %q", DisputePrefix)
	}
	return nil
}

func checkInvitationID(id string) error {
	if err := checkID("invitation_id", id); err != nil {
		return err
	}
	if strings.HasPrefix(id, ReceiptPrefix) {
		return apperr.New(apperr.InvalidIntent, "invitation_id may not start with %q", ReceiptPrefix)
	}
	return nil
}

// ── payroll ───────────────────────────────────────────────────────────────────

// PayrollPayoutIntent is signed by Delegate on behalf of Business.
type PayrollPayoutIntent struct {
	Business  string `json:"business"`
	Delegate  string `json:"delegate"`
	Recipient string `json:"recipient"`
	Net       uint64 `json:"net"`
	ItemID    string `json:"item_id"`
}

func (*PayrollPayoutIntent) Kind() Kind { return KindPayrollPayout }

func (i *PayrollPayoutIntent) Validate() error {
	if err := checkAddrs("business", i.Business, "delegate", i.Delegate, "recipient", i.Recipient); err != nil {
		return err
	}
	if err := checkDistinct("recipient", i.Recipient, "business", i.Business); err != nil {
		return err
	}
	if err := checkAmount("net", i.Net); err != nil {
		return err
	}
	return checkID("item_id", i.ItemID)
}

type PayrollFundIntent struct {
	Business string `json:"business"`
	Amount   uint64 `json:"amount"`
}

func (*PayrollFundIntent) Kind() Kind { return KindPayrollFund }

func (i *PayrollFundIntent) Validate() error {
	if err := checkAddrs("business", i.Business); err != nil {
		return err
	}
	return checkAmount("amount", i.Amount)
}

type PayrollWithdrawIntent struct {
	Business string `json:"business"`
	Amount   uint64 `json:"amount"`
}

func (*PayrollWithdrawIntent) Kind() Kind { return KindPayrollWithdraw }

func (i *PayrollWithdrawIntent) Validate() error {
	if err := checkAddrs("business", i.Business); err != nil {
		return err
	}
	return checkAmount("amount", i.Amount)
}

// ── presale / rewards ─────────────────────────────────────────────────────────

type PresaleClaimIntent struct {
	User string `json:"user"`
}

func (*PresaleClaimIntent) Kind() Kind { return KindPresaleClaim }

func (i *PresaleClaimIntent) Validate() error { return checkAddrs("user", i.User) }

type RewardClaimIntent struct {
	User string `json:"user"`
}

func (*RewardClaimIntent) Kind() Kind { return KindRewardClaim }

func (i *RewardClaimIntent) Validate() error { return checkAddrs("user", i.User) }

// RewardMarkEligibleIntent is a backend-only call creating the user's
// eligibility box.
type RewardMarkEligibleIntent struct {
	User   string `json:"user"`
	Amount uint64 `json:"amount"`
}

func (*RewardMarkEligibleIntent) Kind() Kind { return KindRewardMarkEligible }

func (i *RewardMarkEligibleIntent) Validate() error {
	if err := checkAddrs("user", i.User); err != nil {
		return err
	}
	return checkAmount("amount", i.Amount)
}
