package templates

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

const (
	cusdID   = 31566704
	confioID = 744368179
	now      = 1_750_000_000
)

var (
	sponsorAcct  = crypto.GenerateAccount()
	feeAcct      = crypto.GenerateAccount()
	alice        = crypto.GenerateAccount()
	bob          = crypto.GenerateAccount()
	businessAcct = crypto.GenerateAccount()
	delegateAcct = crypto.GenerateAccount()
)

var params = envelope.SuggestedParams{
	FirstValid:  1000,
	LastValid:   2000,
	GenesisID:   "testnet-v1.0",
	GenesisHash: bytes.Repeat([]byte{7}, 32),
	MinFee:      1000,
}

func deployment(sponsored bool) *Deployment {
	return &Deployment{
		Sponsor:      sponsorAcct.Address,
		FeeRecipient: feeAcct.Address,
		Assets:       map[string]uint64{intent.AssetCUSD: cusdID, intent.AssetCONFIO: confioID},
		Payment:      Binding{AppID: 1001, Sponsored: true},
		P2P:          Binding{AppID: 1002, Sponsored: sponsored},
		Invite:       Binding{AppID: 1003, Sponsored: sponsored},
		Payroll:      Binding{AppID: 1004, Sponsored: sponsored},
		Presale:      Binding{AppID: 1005, Sponsored: true},
		Rewards:      Binding{AppID: 1006, Sponsored: true},
	}
}

func decode(t *testing.T, kind intent.Kind, body map[string]any) intent.Intent {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	in, err := intent.Decode(kind, raw)
	require.NoError(t, err)
	return in
}

func optIn(r *ChainReads, a types.Address, assets ...uint64) {
	for _, id := range assets {
		r.Holdings[HoldingKey{Addr: a, AssetID: id}] = Holding{OptedIn: true}
	}
}

func putBox(r *ChainReads, app uint64, key, value []byte) {
	r.Boxes[BoxKey{AppID: app, Name: string(key)}] = value
}

// build runs the full template path and checks the invariants every group
// must hold: fee sufficiency and quote coverage.
func build(t *testing.T, d *Deployment, in intent.Intent, r *ChainReads) *group.Group {
	t.Helper()
	reg := NewRegistry(d)
	g, err := reg.Build(in, params, r)
	require.NoError(t, err)
	q, err := reg.Quote(in, params)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, g.OuterFees(), g.RequiredFees(), "fees below min_fee x (outer+inner)")
	assert.LessOrEqual(t, g.SponsorOutlay(d.Sponsor), q.Total, "outlay exceeds quote")
	return g
}

func expectInvalid(t *testing.T, d *Deployment, in intent.Intent, r *ChainReads) {
	t.Helper()
	_, err := NewRegistry(d).Build(in, params, r)
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidIntent, apperr.KindOf(err), "got %v", err)
}

// ── registry ──────────────────────────────────────────────────────────────────

func TestRegistry_CoversEveryIntentKind(t *testing.T) {
	reg := NewRegistry(deployment(true))
	for _, k := range intent.Kinds() {
		_, err := reg.Get(k)
		assert.NoError(t, err, "kind %s", k)
	}
	_, err := reg.Get("lottery")
	assert.True(t, apperr.Is(err, apperr.InvalidIntent))
}

func TestSelectors_FourBytesAndDistinct(t *testing.T) {
	seen := map[string]string{}
	for sig, sel := range selectors {
		require.Len(t, sel, 4, sig)
		prev, dup := seen[string(sel)]
		assert.False(t, dup, "%s collides with %s", sig, prev)
		seen[string(sel)] = sig
	}
}

// ── payment / send ────────────────────────────────────────────────────────────

func TestFeeSplit(t *testing.T) {
	merchant, fee, err := FeeSplit(12_450_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_337_950), merchant)
	assert.Equal(t, uint64(112_050), fee)

	// ceil: 112 * 0.009 = 1.008 -> 2
	merchant, fee, err = FeeSplit(112)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), merchant)
	assert.Equal(t, uint64(2), fee)

	_, _, err = FeeSplit(1)
	assert.True(t, apperr.Is(err, apperr.InvalidIntent))
}

func TestPayment_FourMemberGroup(t *testing.T) {
	d := deployment(true)
	merchant := bob.Address
	in := decode(t, intent.KindPayment, map[string]any{
		"payer": alice.Address.String(), "merchant": merchant.String(),
		"asset": "cusd", "total": 12_450_000, "payment_ref": "order-81",
	})
	r := NewChainReads(now)
	optIn(r, merchant, cusdID)
	optIn(r, feeAcct.Address, cusdID)

	g := build(t, d, in, r)
	require.Equal(t, 4, g.Size())

	pay, toMerchant, toFee, appl := g.Envelopes[0].Txn, g.Envelopes[1].Txn, g.Envelopes[2].Txn, g.Envelopes[3].Txn
	assert.Equal(t, types.MicroAlgos(4000), pay.Fee)
	assert.Equal(t, uint64(12_337_950), toMerchant.AssetAmount)
	assert.Equal(t, merchant, toMerchant.AssetReceiver)
	assert.Equal(t, uint64(112_050), toFee.AssetAmount)
	assert.Equal(t, feeAcct.Address, toFee.AssetReceiver)

	assert.Equal(t, sponsorAcct.Address, appl.Sender)
	assert.Equal(t, []types.Address{alice.Address, merchant}, appl.Accounts)
	assert.Equal(t, Selector(sigPayWithCUSD), appl.ApplicationArgs[0])
	assert.Equal(t, []int{0, 3}, g.Indices(envelope.RoleSponsor))
	assert.Equal(t, []int{1, 2}, g.Indices(envelope.RoleUser))
}

// A 12.45 cUSD checkout: the payer's two transfers sum to the total, the fee
// is ceil(0.9%) of it rather than a rounded 0.11, and the sponsor covers
// every member's fee from one pooled payment.
func TestPayment_CheckoutTotalSplitAndSponsorSpend(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindPayment, map[string]any{
		"payer": alice.Address.String(), "merchant": bob.Address.String(),
		"asset": "cusd", "total": 12_450_000, "payment_ref": "checkout-1",
	})
	r := NewChainReads(now)
	optIn(r, bob.Address, cusdID)
	optIn(r, feeAcct.Address, cusdID)
	g := build(t, d, in, r)

	toMerchant, toFee := g.Envelopes[1].Txn.AssetAmount, g.Envelopes[2].Txn.AssetAmount
	assert.Equal(t, uint64(12_450_000), toMerchant+toFee)
	assert.Equal(t, uint64(112_050), toFee)
	assert.NotEqual(t, uint64(110_000), toFee)

	assert.Equal(t, 4*params.MinFee, g.SponsorOutlay(sponsorAcct.Address))
	assert.Equal(t, g.RequiredFees(), g.OuterFees())
	for _, i := range g.Indices(envelope.RoleUser) {
		assert.Zero(t, g.Envelopes[i].Txn.Fee, "user member %d pays no fee", i)
	}
}

func TestPayment_MerchantNotOptedIn(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindPayment, map[string]any{
		"payer": alice.Address.String(), "merchant": bob.Address.String(),
		"asset": "confio", "total": 5000,
	})
	r := NewChainReads(now)
	optIn(r, feeAcct.Address, confioID)
	expectInvalid(t, d, in, r)
}

func TestSend_RejectsContractRecipient(t *testing.T) {
	d := deployment(true)
	appAddr := d.P2P.Address()
	in := decode(t, intent.KindSend, map[string]any{
		"from": alice.Address.String(), "to": appAddr.String(), "asset": "cusd", "amount": 10,
	})
	r := NewChainReads(now)
	optIn(r, appAddr, cusdID)
	expectInvalid(t, d, in, r)
}

func TestSend_TwoMembers(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindSend, map[string]any{
		"from": alice.Address.String(), "to": bob.Address.String(), "asset": "cusd", "amount": 10, "memo": "rent",
	})
	r := NewChainReads(now)
	optIn(r, bob.Address, cusdID)
	g := build(t, d, in, r)
	assert.Equal(t, 2, g.Size())
	assert.Equal(t, uint64(2000), g.SponsorOutlay(sponsorAcct.Address))
	assert.Equal(t, []byte("rent"), g.Envelopes[1].Txn.Note)
}

// ── p2p ───────────────────────────────────────────────────────────────────────

func trade(status TradeStatus, expires uint64) []byte {
	return Trade{
		Seller: alice.Address, Buyer: bob.Address, Amount: 50_000_000, AssetID: cusdID,
		CreatedAt: now - 100, ExpiresAt: expires, Status: status,
	}.Encode()
}

func TestP2PCreate_SponsoredFundsTradeBox(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindP2PCreate, map[string]any{
		"seller": alice.Address.String(), "trade_id": "t-01", "asset": "cusd",
		"amount": 50_000_000, "fiat_amount": 1_850_000, "fiat_currency": "VES",
	})
	g := build(t, d, in, NewChainReads(now))
	require.Equal(t, 3, g.Size())
	mbr := g.Envelopes[0].Txn
	assert.Equal(t, sponsorAcct.Address, mbr.Sender)
	assert.Equal(t, types.MicroAlgos(49_300), mbr.Amount)
	assert.Equal(t, types.MicroAlgos(3000), mbr.Fee)
	assert.Equal(t, uint64(3000+49_300), g.SponsorOutlay(sponsorAcct.Address))

	q, err := NewRegistry(d).Quote(in, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(52_300), q.Total)
}

func TestP2PCreate_UnsponsoredSellerPays(t *testing.T) {
	d := deployment(false)
	in := decode(t, intent.KindP2PCreate, map[string]any{
		"seller": alice.Address.String(), "trade_id": "t-02", "asset": "cusd",
		"amount": 1, "fiat_amount": 1, "fiat_currency": "ARS",
	})
	g := build(t, d, in, NewChainReads(now))
	assert.Equal(t, alice.Address, g.Envelopes[0].Txn.Sender)
	assert.Zero(t, g.SponsorOutlay(sponsorAcct.Address))
	assert.Empty(t, g.Indices(envelope.RoleSponsor))
}

func TestP2PCreate_ExistingTrade(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindP2PCreate, map[string]any{
		"seller": alice.Address.String(), "trade_id": "t-01", "asset": "cusd",
		"amount": 1, "fiat_amount": 1, "fiat_currency": "VES",
	})
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradePending, 0))
	expectInvalid(t, d, in, r)
}

func TestP2PAccept_BootstrapsBuyerOptIn(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindP2PAccept, map[string]any{"buyer": bob.Address.String(), "trade_id": "t-01"})
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradePending, now+3600))

	g := build(t, d, in, r)
	require.Equal(t, 4, g.Size())
	assert.Equal(t, types.MicroAlgos(group.AssetOptInMBR), g.Envelopes[0].Txn.Amount)
	assert.Equal(t, bob.Address, g.Envelopes[1].Txn.AssetReceiver)
	assert.Equal(t, 2, g.FeePayer)

	optIn(r, bob.Address, cusdID)
	g = build(t, d, in, r)
	assert.Equal(t, 2, g.Size())
}

func TestP2PAccept_Rejections(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradePending, now+3600))
	putBox(r, d.P2P.AppID, TradeKey("t-02"), trade(TradeActive, now+3600))
	putBox(r, d.P2P.AppID, TradeKey("t-03"), trade(TradePending, now-1))

	own := decode(t, intent.KindP2PAccept, map[string]any{"buyer": alice.Address.String(), "trade_id": "t-01"})
	expectInvalid(t, d, own, r)
	taken := decode(t, intent.KindP2PAccept, map[string]any{"buyer": bob.Address.String(), "trade_id": "t-02"})
	expectInvalid(t, d, taken, r)
	stale := decode(t, intent.KindP2PAccept, map[string]any{"buyer": bob.Address.String(), "trade_id": "t-03"})
	expectInvalid(t, d, stale, r)
	missing := decode(t, intent.KindP2PAccept, map[string]any{"buyer": bob.Address.String(), "trade_id": "t-99"})
	expectInvalid(t, d, missing, r)
}

func TestP2PConfirm_ReleasesToBuyer(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradeActive, now+3600))
	in := decode(t, intent.KindP2PConfirm, map[string]any{"seller": alice.Address.String(), "trade_id": "t-01"})
	g := build(t, d, in, r)
	assert.Equal(t, 1, g.InnerCount)
	assert.Equal(t, types.MicroAlgos(3000), g.Envelopes[0].Txn.Fee)
	assert.Equal(t, []types.Address{bob.Address}, g.Envelopes[1].Txn.Accounts)

	wrong := decode(t, intent.KindP2PConfirm, map[string]any{"seller": bob.Address.String(), "trade_id": "t-01"})
	expectInvalid(t, d, wrong, r)
}

func TestP2PCancel_ActiveOnlyAfterExpiry(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("live"), trade(TradeActive, now+3600))
	putBox(r, d.P2P.AppID, TradeKey("old"), trade(TradeActive, now-10))

	live := decode(t, intent.KindP2PCancel, map[string]any{"caller": bob.Address.String(), "trade_id": "live"})
	expectInvalid(t, d, live, r)
	old := decode(t, intent.KindP2PCancel, map[string]any{"caller": bob.Address.String(), "trade_id": "old"})
	g := build(t, d, old, r)
	assert.Equal(t, []types.Address{alice.Address}, g.Envelopes[1].Txn.Accounts)
}

func TestP2PDispute_CreatesDisputeBox(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradeActive, now+3600))
	in := decode(t, intent.KindP2PDispute, map[string]any{
		"opener": bob.Address.String(), "trade_id": "t-01",
		"reason_hash": "0x" + string(bytes.Repeat([]byte("ab"), 32)),
	})
	g := build(t, d, in, r)
	require.Len(t, g.Creates, 1)
	assert.Equal(t, DisputeKey("t-01"), g.Creates[0].Name)
	assert.Equal(t, types.MicroAlgos(group.BoxMBR(6, DisputeBoxLen)), g.Envelopes[0].Txn.Amount)

	putBox(r, d.P2P.AppID, DisputeKey("t-01"), make([]byte, DisputeBoxLen))
	expectInvalid(t, d, in, r)
}

func TestP2PResolve_SponsorOnly(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.P2P.AppID, TradeKey("t-01"), trade(TradeDisputed, now+3600))
	putBox(r, d.P2P.AppID, DisputeKey("t-01"), make([]byte, DisputeBoxLen))
	in := decode(t, intent.KindP2PResolve, map[string]any{"trade_id": "t-01", "winner": "buyer"})

	g := build(t, d, in, r)
	require.Equal(t, 1, g.Size())
	assert.False(t, g.ExternalSigners())
	assert.Equal(t, types.MicroAlgos(2000), g.Envelopes[0].Txn.Fee)
	assert.Equal(t, []types.Address{bob.Address}, g.Envelopes[0].Txn.Accounts)
}

// ── invite ────────────────────────────────────────────────────────────────────

func TestInviteCreate_UnsponsoredThreeMembers(t *testing.T) {
	d := deployment(false)
	in := decode(t, intent.KindInviteCreate, map[string]any{
		"inviter": alice.Address.String(), "invitation_id": "inv-001", "asset": "cusd", "amount": 20_000_000,
	})
	g := build(t, d, in, NewChainReads(now))
	require.Equal(t, 3, g.Size())
	assert.Equal(t, types.MicroAlgos(31_300), g.Envelopes[0].Txn.Amount)
	assert.Equal(t, types.MicroAlgos(3000), g.Envelopes[0].Txn.Fee)
	assert.Empty(t, g.Indices(envelope.RoleSponsor))
	assert.Zero(t, g.SponsorOutlay(sponsorAcct.Address))
}

func TestInviteCreate_SponsoredFourMembers(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindInviteCreate, map[string]any{
		"inviter": alice.Address.String(), "invitation_id": "inv-001", "asset": "cusd", "amount": 1, "expires_in": 600,
	})
	g := build(t, d, in, NewChainReads(now))
	require.Equal(t, 4, g.Size())
	assert.Equal(t, 1, g.Creates[0].FundedBy)
	assert.Equal(t, uint64(4000+31_300), g.SponsorOutlay(sponsorAcct.Address))
	assert.Equal(t, argUint64(600), g.Envelopes[3].Txn.ApplicationArgs[2])
}

func invitation(status InviteStatus, expires uint64) []byte {
	return Invitation{Inviter: alice.Address, Amount: 20_000_000, AssetID: cusdID, CreatedAt: now - 100, ExpiresAt: expires, Status: status}.Encode()
}

func TestInviteClaim(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.Invite.AppID, InvitationKey("inv-001"), invitation(InvitePending, now+3600))
	in := decode(t, intent.KindInviteClaim, map[string]any{"claimant": bob.Address.String(), "invitation_id": "inv-001"})

	g := build(t, d, in, r)
	// bootstrap pay + opt-in + sponsor pay + claim; two inner transactions
	require.Equal(t, 4, g.Size())
	assert.Equal(t, types.MicroAlgos(6000), g.Envelopes[g.FeePayer].Txn.Fee)
	claim := g.Envelopes[3].Txn
	assert.Equal(t, []types.BoxReference{
		{Name: InvitationKey("inv-001")},
		{Name: ReceiptKey("inv-001")},
	}, claim.BoxReferences)

	putBox(r, d.Invite.AppID, ReceiptKey("inv-001"), make([]byte, ReceiptBoxLen))
	expectInvalid(t, d, in, r)
}

func TestInviteClaim_ExpiredOrSelf(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.Invite.AppID, InvitationKey("old"), invitation(InvitePending, now-1))
	putBox(r, d.Invite.AppID, InvitationKey("mine"), invitation(InvitePending, now+10))

	expectInvalid(t, d, decode(t, intent.KindInviteClaim, map[string]any{"claimant": bob.Address.String(), "invitation_id": "old"}), r)
	expectInvalid(t, d, decode(t, intent.KindInviteClaim, map[string]any{"claimant": alice.Address.String(), "invitation_id": "mine"}), r)
}

func TestInviteReclaim_OnlyAfterExpiry(t *testing.T) {
	d := deployment(true)
	r := NewChainReads(now)
	putBox(r, d.Invite.AppID, InvitationKey("inv-001"), invitation(InvitePending, now+10))
	in := decode(t, intent.KindInviteReclaim, map[string]any{"inviter": alice.Address.String(), "invitation_id": "inv-001"})
	expectInvalid(t, d, in, r)

	r.Now = now + 10
	g := build(t, d, in, r)
	assert.Equal(t, 2, g.InnerCount)
}

// ── payroll ───────────────────────────────────────────────────────────────────

func payrollReads(d *Deployment, vault uint64) *ChainReads {
	b, del := businessAcct.Address, delegateAcct.Address
	r := NewChainReads(now)
	putBox(r, d.Payroll.AppID, AllowlistKey(b, del), []byte{1})
	putBox(r, d.Payroll.AppID, VaultKey(b), EncodeVault(vault))
	optIn(r, bob.Address, cusdID)
	return r
}

func payoutIntent(t *testing.T) intent.Intent {
	return decode(t, intent.KindPayrollPayout, map[string]any{
		"business": businessAcct.Address.String(), "delegate": delegateAcct.Address.String(),
		"recipient": bob.Address.String(), "net": 1_000_000, "item_id": "p-id",
	})
}

func TestPayrollPayout_DelegateSigned(t *testing.T) {
	d := deployment(false)
	b, del := businessAcct.Address, delegateAcct.Address
	g := build(t, d, payoutIntent(t), payrollReads(d, 5_000_000))

	require.Equal(t, 1, g.Size())
	tx := g.Envelopes[0].Txn
	assert.Equal(t, del, tx.Sender)
	assert.Equal(t, envelope.RoleDelegate, g.Envelopes[0].Role)
	assert.Equal(t, types.MicroAlgos(3000), tx.Fee)
	assert.Equal(t, []types.Address{b, bob.Address, feeAcct.Address}, tx.Accounts)

	var names [][]byte
	for _, br := range tx.BoxReferences {
		names = append(names, br.Name)
	}
	assert.Equal(t, [][]byte{
		append(b[:], del[:]...),
		append(del[:], del[:]...),
		[]byte("p-id"),
		append([]byte("VAULT"), b[:]...),
	}, names)
	assert.Zero(t, g.SponsorOutlay(sponsorAcct.Address))
}

func TestPayrollPayout_Rejections(t *testing.T) {
	d := deployment(false)
	// gross is 1,009,000
	expectInvalid(t, d, payoutIntent(t), payrollReads(d, 1_008_999))

	r := payrollReads(d, 5_000_000)
	putBox(r, d.Payroll.AppID, ItemKey("p-id"), []byte{1})
	expectInvalid(t, d, payoutIntent(t), r)

	r = payrollReads(d, 5_000_000)
	delete(r.Boxes, BoxKey{AppID: d.Payroll.AppID, Name: string(AllowlistKey(businessAcct.Address, delegateAcct.Address))})
	expectInvalid(t, d, payoutIntent(t), r)
}

func TestPayrollFund_CreatesVaultOnce(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindPayrollFund, map[string]any{"business": businessAcct.Address.String(), "amount": 9_000_000})

	g := build(t, d, in, NewChainReads(now))
	require.Equal(t, 4, g.Size())
	assert.Equal(t, types.MicroAlgos(20_500), g.Envelopes[1].Txn.Amount)
	assert.Equal(t, []int{2, 3}, g.Indices(envelope.RoleBusiness))

	r := NewChainReads(now)
	putBox(r, d.Payroll.AppID, VaultKey(businessAcct.Address), EncodeVault(1))
	g = build(t, d, in, r)
	assert.Equal(t, 3, g.Size())
	assert.Empty(t, g.Creates)
}

func TestPayrollWithdraw(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindPayrollWithdraw, map[string]any{"business": businessAcct.Address.String(), "amount": 100})
	expectInvalid(t, d, in, NewChainReads(now))

	r := NewChainReads(now)
	putBox(r, d.Payroll.AppID, VaultKey(businessAcct.Address), EncodeVault(100))
	g := build(t, d, in, r)
	assert.Equal(t, 1, g.InnerCount)
}

// ── presale / rewards ─────────────────────────────────────────────────────────

func TestPresaleClaim_WitnessShape(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindPresaleClaim, map[string]any{"user": alice.Address.String()})
	r := NewChainReads(now)
	optIn(r, alice.Address, confioID)
	expectInvalid(t, d, in, r)

	r.Globals[d.Presale.AppID] = map[string]StateValue{PresaleUnlockedKey: {Uint: 1}}
	g := build(t, d, in, r)
	require.Equal(t, 2, g.Size())
	witness := g.Envelopes[0].Txn
	assert.Equal(t, alice.Address, witness.Sender)
	assert.Equal(t, alice.Address, witness.Receiver)
	assert.Zero(t, witness.Amount)
	assert.Zero(t, witness.Fee)
	assert.Equal(t, 1, g.FeePayer)
	assert.Equal(t, types.MicroAlgos(3000), g.Envelopes[1].Txn.Fee)
}

func TestRewardClaim_BootstrapAndClaimed(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindRewardClaim, map[string]any{"user": alice.Address.String()})
	r := NewChainReads(now)
	expectInvalid(t, d, in, r)

	putBox(r, d.Rewards.AppID, EligibilityKey(alice.Address), Eligibility{Amount: 5}.Encode())
	g := build(t, d, in, r)
	require.Equal(t, 4, g.Size())
	assert.Equal(t, 3, g.FeePayer)

	putBox(r, d.Rewards.AppID, EligibilityKey(alice.Address), Eligibility{Amount: 5, ClaimedAt: now}.Encode())
	expectInvalid(t, d, in, r)
}

func TestRewardMarkEligible_SponsorFundsBox(t *testing.T) {
	d := deployment(true)
	in := decode(t, intent.KindRewardMarkEligible, map[string]any{"user": alice.Address.String(), "amount": 10})
	g := build(t, d, in, NewChainReads(now))
	assert.False(t, g.ExternalSigners())
	assert.Equal(t, types.MicroAlgos(21_700), g.Envelopes[0].Txn.Amount)
	assert.Equal(t, alice.Address[:], g.Envelopes[1].Txn.ApplicationArgs[1])
}

// ── boxes ─────────────────────────────────────────────────────────────────────

func TestBoxLayouts(t *testing.T) {
	tr := trade(TradeDisputed, 99)
	require.Len(t, tr, TradeBoxLen)
	got, err := DecodeTrade(tr)
	require.NoError(t, err)
	assert.Equal(t, TradeDisputed, got.Status)
	assert.Equal(t, uint64(99), got.ExpiresAt)

	require.Len(t, invitation(InviteClaimed, 1), InvitationBoxLen)
	_, err = DecodeTrade(tr[:100])
	assert.Error(t, err)
}
