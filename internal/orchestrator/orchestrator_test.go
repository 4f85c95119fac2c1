package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/chain"
	"github.com/confio/sponsor-gateway/internal/chain/chaintest"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
	"github.com/confio/sponsor-gateway/internal/signer"
	"github.com/confio/sponsor-gateway/internal/sponsor"
	"github.com/confio/sponsor-gateway/internal/store"
	"github.com/confio/sponsor-gateway/internal/templates"
	"github.com/confio/sponsor-gateway/internal/validator"
)

// ── helpers ───────────────────────────────────────────────────────────────────

const (
	cusdID   = 31566704
	confioID = 744368179

	minOperating = 1_000_000
)

type testEnv struct {
	cfg    *config.Config
	node   *chaintest.Node
	client *chain.Client
	rdb    *redis.Client
	st     *store.RedisStore
	reg    *templates.Registry
	d      *templates.Deployment
	sig    *signer.Service
	acct   *sponsor.Accounting
	orch   *Orchestrator
	fee    crypto.Account
}

func newEnv(t *testing.T, sponsorFunds uint64, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	key := crypto.GenerateAccount()
	secret, err := mnemonic.FromPrivateKey(key.PrivateKey)
	require.NoError(t, err)

	node := chaintest.New(t)
	cfg := &config.Config{}
	cfg.Algod.URL = node.URL
	cfg.Algod.Token = chaintest.Token
	cfg.Algod.TimeoutSec = 5
	cfg.Algod.RetryBudget = 1
	cfg.Algod.MaxConcurrent = 8
	cfg.Sponsor.Secret = secret
	cfg.Sponsor.MinOperatingBalance = minOperating
	cfg.Sponsor.WarningThreshold = 2_000_000
	cfg.Sponsor.PerTxCap = 2_000_000
	cfg.Sponsor.DriftTolerance = 100_000
	cfg.Sponsor.RefreshIntervalSec = 30
	cfg.Timing.RoundWindow = 1000
	cfg.Timing.SafetyMargin = 10
	cfg.Timing.RoundDurationMs = 20
	cfg.Timing.SubmitTimeoutSec = 5
	cfg.Timing.SweepIntervalSec = 1
	cfg.Timing.ConfirmPollMs = 5
	for _, o := range opts {
		o(cfg)
	}

	sig, err := signer.New(ctx, cfg.Sponsor, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, key.Address, sig.Address())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fee := crypto.GenerateAccount()
	d := &templates.Deployment{
		Sponsor:      sig.Address(),
		FeeRecipient: fee.Address,
		Assets:       map[string]uint64{intent.AssetCUSD: cusdID, intent.AssetCONFIO: confioID},
		Payment:      templates.Binding{AppID: 1001, Sponsored: true},
		P2P:          templates.Binding{AppID: 1002, Sponsored: true},
		Invite:       templates.Binding{AppID: 1003, Sponsored: true},
		Payroll:      templates.Binding{AppID: 1004, Sponsored: false},
		Presale:      templates.Binding{AppID: 1005, Sponsored: true},
		Rewards:      templates.Binding{AppID: 1006, Sponsored: true},
	}
	node.Fund(sig.Address(), sponsorFunds)
	node.OptIn(fee.Address, cusdID, 0)

	e := &testEnv{
		cfg:    cfg,
		node:   node,
		client: chain.NewClient(cfg, zap.NewNop()),
		rdb:    rdb,
		st:     store.NewRedisStore(rdb),
		reg:    templates.NewRegistry(d),
		d:      d,
		sig:    sig,
		fee:    fee,
	}
	e.restart(t)
	return e
}

// restart builds fresh accounting and orchestrator over the same redis, as
// a process restart would.
func (e *testEnv) restart(t *testing.T) {
	t.Helper()
	log := zap.NewNop()
	e.acct = sponsor.New(e.cfg, e.sig.Address(), sponsor.NewQuoter(e.reg, e.client), e.client, e.rdb, log)
	_, err := e.acct.Recover(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.acct.Refresh(context.Background()))
	e.orch = New(e.cfg, e.st, e.client, e.reg, e.sig, e.acct, log)
}

func (e *testEnv) submit(t *testing.T, kind intent.Kind, key string, body map[string]any) (*Handle, error) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return e.orch.Submit(context.Background(), kind, key, raw)
}

func (e *testEnv) record(t *testing.T, id string) *store.Record {
	t.Helper()
	rec, err := e.st.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// sign mimics a wallet: members sent by one of accts are signed, the rest
// go back untouched.
func sign(t *testing.T, h *Handle, accts ...crypto.Account) []types.SignedTxn {
	t.Helper()
	out := make([]types.SignedTxn, len(h.Members))
	for i, m := range h.Members {
		raw, err := base64.StdEncoding.DecodeString(m)
		require.NoError(t, err)
		tx, err := envelope.DecodeTxn(raw)
		require.NoError(t, err)
		out[i] = envelope.Unsigned(tx)
		for _, a := range accts {
			if tx.Sender == a.Address {
				out[i] = envelope.Sign(tx, a.PrivateKey)
			}
		}
	}
	return out
}

func (e *testEnv) resumeAndWait(t *testing.T, h *Handle, accts ...crypto.Account) *Handle {
	t.Helper()
	ctx := context.Background()
	_, err := e.orch.Resume(ctx, h.ID, sign(t, h, accts...))
	require.NoError(t, err)
	out, err := e.orch.Wait(ctx, h.ID)
	require.NoError(t, err)
	return out
}

// strand leaves h in awaiting_submit with a complete signed group, as a
// crash between sponsor signing and submission would.
func (e *testEnv) strand(t *testing.T, h *Handle, accts ...crypto.Account) {
	t.Helper()
	ctx := context.Background()
	g, err := group.Unmarshal(e.record(t, h.ID).Group)
	require.NoError(t, err)
	sg, err := validator.Validate(g, sign(t, h, accts...), nil)
	require.NoError(t, err)
	require.NoError(t, e.sig.SignAll(ctx, g.Envelopes, sg.Txns))
	_, err = e.st.Transition(ctx, h.ID, store.AwaitingUserSig, store.AwaitingSubmit, func(r *store.Record) {
		r.SignedGroup = sg.Bytes()
	})
	require.NoError(t, err)
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func (e *testEnv) paymentParties(t *testing.T) (payer, merchant crypto.Account) {
	t.Helper()
	payer, merchant = crypto.GenerateAccount(), crypto.GenerateAccount()
	e.node.OptIn(payer.Address, cusdID, 50_000_000)
	e.node.OptIn(merchant.Address, cusdID, 0)
	return payer, merchant
}

func paymentBody(payer, merchant crypto.Account, total uint64) map[string]any {
	return map[string]any{
		"payer":       payer.Address.String(),
		"merchant":    merchant.Address.String(),
		"asset":       "cusd",
		"total":       total,
		"payment_ref": "order-77",
	}
}

// abiString strips the two-byte length prefix of an ABI string argument.
func abiString(arg []byte) string { return string(arg[2:]) }

func isCall(tx types.Transaction, sig string) bool {
	return len(tx.ApplicationArgs) > 0 && bytes.Equal(tx.ApplicationArgs[0], templates.Selector(sig))
}

// flakyNode fails or drops the reply of the next submissions.
type flakyNode struct {
	*chain.Client

	mu          sync.Mutex
	failSubmits int
	dropReplies int
}

func (f *flakyNode) Submit(ctx context.Context, raw []byte, txid string) (string, error) {
	f.mu.Lock()
	fail := f.failSubmits > 0
	if fail {
		f.failSubmits--
	}
	drop := !fail && f.dropReplies > 0
	if drop {
		f.dropReplies--
	}
	f.mu.Unlock()

	if fail {
		return "", apperr.New(apperr.RpcUnavailable, "submit: 503 node catching up")
	}
	id, err := f.Client.Submit(ctx, raw, txid)
	if err == nil && drop {
		return "", apperr.New(apperr.RpcUnavailable, "submit: connection reset")
	}
	return id, err
}

// ── payment ───────────────────────────────────────────────────────────────────

func TestPayment_SponsoredEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	before := e.node.Balance(e.sig.Address())

	h, err := e.submit(t, intent.KindPayment, "pay-1", paymentBody(payer, merchant, 12_340_000))
	require.NoError(t, err)
	require.Equal(t, store.AwaitingUserSig, h.State)
	require.Len(t, h.Members, 4)
	assert.Equal(t, []string{"sponsor", "user", "user", "sponsor"}, h.Signers)
	assert.Equal(t, uint64(4000), h.Quote)
	assert.Empty(t, h.TxID)
	assert.Equal(t, h.LastValid-e.cfg.Timing.SafetyMargin, h.ExpiresRound)
	require.Len(t, e.acct.Reservations(), 1)

	out := e.resumeAndWait(t, h, payer)
	require.Equal(t, store.Confirmed, out.State)
	assert.NotZero(t, out.ConfirmedRound)
	assert.NotEmpty(t, out.TxID)
	assert.Nil(t, out.Error)

	got, _ := e.node.AssetBalance(merchant.Address, cusdID)
	assert.Equal(t, uint64(12_228_940), got)
	fee, _ := e.node.AssetBalance(e.fee.Address, cusdID)
	assert.Equal(t, uint64(111_060), fee)
	assert.Equal(t, before-4000, e.node.Balance(e.sig.Address()))

	rec := e.record(t, h.ID)
	assert.Equal(t, uint64(4000), rec.SponsorSpend)
	assert.NotNil(t, rec.SubmittedAt)
	assert.NotNil(t, rec.FinalizedAt)
	assert.Empty(t, e.acct.Reservations())

	health := e.acct.Health()
	assert.Equal(t, uint64(4000), health.TotalSpent)
	assert.Equal(t, uint64(1), health.TxCount)

	status, err := e.orch.Status(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Confirmed, status.State)
	assert.Empty(t, status.Members)
}

func TestPayment_InvalidIntentReservesNothing(t *testing.T) {
	e := newEnv(t, 10_000_000)
	payer, _ := e.paymentParties(t)
	stranger := crypto.GenerateAccount()

	_, err := e.submit(t, intent.KindPayment, "pay-bad", paymentBody(payer, stranger, 1_000_000))
	requireKind(t, err, apperr.InvalidIntent)
	assert.Empty(t, e.acct.Reservations())
	assert.Zero(t, e.node.Submits())
	rec, err := e.st.GetByKey(context.Background(), "pay-bad")
	require.NoError(t, err)
	assert.Equal(t, store.Failed, rec.State)
	assert.Equal(t, apperr.InvalidIntent, rec.ErrorKind)

	_, err = e.submit(t, intent.KindPayment, "", paymentBody(payer, stranger, 1_000_000))
	requireKind(t, err, apperr.InvalidIntent)
}

// ── invite escrow ─────────────────────────────────────────────────────────────

func inviteApp(d *templates.Deployment) chaintest.AppHandler {
	return func(l *chaintest.Ledger, grp []types.Transaction, idx int) error {
		tx := grp[idx]
		id := abiString(tx.ApplicationArgs[1])
		switch {
		case isCall(tx, "create_invitation(string,uint64)void"):
			deposit := grp[idx-1]
			now := uint64(time.Now().Unix())
			l.SetBox(d.Invite.AppID, templates.InvitationKey(id), templates.Invitation{
				Inviter:   tx.Sender,
				Amount:    deposit.AssetAmount,
				AssetID:   uint64(deposit.XferAsset),
				CreatedAt: now,
				ExpiresAt: now + binary.BigEndian.Uint64(tx.ApplicationArgs[2]),
				Status:    templates.InvitePending,
			}.Encode())
			return nil
		case isCall(tx, "reclaim_invitation(string)void"):
			v, ok := l.Box(d.Invite.AppID, templates.InvitationKey(id))
			if !ok {
				return fmt.Errorf("invitation %s missing", id)
			}
			inv, err := templates.DecodeInvitation(v)
			if err != nil {
				return err
			}
			if err := l.Transfer(d.Invite.Address(), inv.Inviter, inv.AssetID, inv.Amount); err != nil {
				return err
			}
			l.DeleteBox(d.Invite.AppID, templates.InvitationKey(id))
			l.SetBox(d.Invite.AppID, templates.ReceiptKey(id), []byte{byte(templates.InviteReclaimed)})
			l.Log("reclaimed " + id)
			return nil
		}
		return errors.New("invite: unknown method")
	}
}

func TestInvite_CreateThenReclaim(t *testing.T) {
	e := newEnv(t, 10_000_000)
	e.node.HandleApp(e.d.Invite.AppID, inviteApp(e.d))
	e.node.OptIn(e.d.Invite.Address(), cusdID, 0)
	inviter := crypto.GenerateAccount()
	e.node.OptIn(inviter.Address, cusdID, 20_000_000)
	before := e.node.Balance(e.sig.Address())

	h, err := e.submit(t, intent.KindInviteCreate, "inv-create", map[string]any{
		"inviter": inviter.Address.String(), "invitation_id": "inv-1",
		"asset": "cusd", "amount": 5_000_000, "expires_in": 3600,
	})
	require.NoError(t, err)
	require.Len(t, h.Members, 4)

	out := e.resumeAndWait(t, h, inviter)
	require.Equal(t, store.Confirmed, out.State)
	mbr := group.BoxMBR(len("inv-1"), templates.InvitationBoxLen)
	create := e.record(t, h.ID)
	assert.Equal(t, 4000+mbr, create.SponsorSpend)
	assert.LessOrEqual(t, create.SponsorSpend, create.QuoteTotal)
	_, ok := e.node.Box(e.d.Invite.AppID, templates.InvitationKey("inv-1"))
	require.True(t, ok)
	held, _ := e.node.AssetBalance(inviter.Address, cusdID)
	assert.Equal(t, uint64(15_000_000), held)

	// reclaim only builds once the invitation has expired
	_, err = e.submit(t, intent.KindInviteReclaim, "inv-reclaim-early", map[string]any{
		"inviter": inviter.Address.String(), "invitation_id": "inv-1",
	})
	requireKind(t, err, apperr.InvalidIntent)

	e.orch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h, err = e.submit(t, intent.KindInviteReclaim, "inv-reclaim", map[string]any{
		"inviter": inviter.Address.String(), "invitation_id": "inv-1",
	})
	require.NoError(t, err)
	out = e.resumeAndWait(t, h, inviter)
	require.Equal(t, store.Confirmed, out.State)

	reclaim := e.record(t, h.ID)
	assert.Equal(t, uint64(4000), reclaim.SponsorSpend)
	held, _ = e.node.AssetBalance(inviter.Address, cusdID)
	assert.Equal(t, uint64(20_000_000), held)
	_, ok = e.node.Box(e.d.Invite.AppID, templates.ReceiptKey("inv-1"))
	assert.True(t, ok)
	assert.Equal(t, before-create.SponsorSpend-reclaim.SponsorSpend, e.node.Balance(e.sig.Address()))
}

// ── p2p trade ─────────────────────────────────────────────────────────────────

func p2pApp(d *templates.Deployment) chaintest.AppHandler {
	return func(l *chaintest.Ledger, grp []types.Transaction, idx int) error {
		tx := grp[idx]
		id := abiString(tx.ApplicationArgs[1])
		now := uint64(time.Now().Unix())
		switch {
		case isCall(tx, "create_trade(string,uint64,string)void"):
			deposit := grp[idx-1]
			l.SetBox(d.P2P.AppID, templates.TradeKey(id), templates.Trade{
				Seller:     tx.Sender,
				Amount:     deposit.AssetAmount,
				AssetID:    uint64(deposit.XferAsset),
				CreatedAt:  now,
				ExpiresAt:  now + 3600,
				FiatAmount: binary.BigEndian.Uint64(tx.ApplicationArgs[2]),
				Status:     templates.TradePending,
			}.Encode())
			return nil
		case isCall(tx, "accept_trade(string)void"):
			v, ok := l.Box(d.P2P.AppID, templates.TradeKey(id))
			if !ok {
				return fmt.Errorf("trade %s missing", id)
			}
			tr, err := templates.DecodeTrade(v)
			if err != nil {
				return err
			}
			if _, opted := l.AssetBalance(tx.Sender, tr.AssetID); !opted {
				return errors.New("buyer not opted in")
			}
			tr.Buyer, tr.AcceptedAt, tr.Status = tx.Sender, now, templates.TradeActive
			l.SetBox(d.P2P.AppID, templates.TradeKey(id), tr.Encode())
			return nil
		}
		return errors.New("p2p: unknown method")
	}
}

func TestP2P_CreateFundsBoxAndAcceptBootstrapsBuyer(t *testing.T) {
	e := newEnv(t, 10_000_000)
	e.node.HandleApp(e.d.P2P.AppID, p2pApp(e.d))
	e.node.OptIn(e.d.P2P.Address(), cusdID, 0)
	seller, buyer := crypto.GenerateAccount(), crypto.GenerateAccount()
	e.node.OptIn(seller.Address, cusdID, 100_000_000)

	h, err := e.submit(t, intent.KindP2PCreate, "trade-create", map[string]any{
		"seller": seller.Address.String(), "trade_id": "t-01", "asset": "cusd",
		"amount": 50_000_000, "fiat_amount": 1_850_000, "fiat_currency": "VES",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(52_300), h.Quote)
	out := e.resumeAndWait(t, h, seller)
	require.Equal(t, store.Confirmed, out.State)
	assert.Equal(t, uint64(3000+49_300), e.record(t, h.ID).SponsorSpend)
	escrow, _ := e.node.AssetBalance(e.d.P2P.Address(), cusdID)
	assert.Equal(t, uint64(50_000_000), escrow)

	h, err = e.submit(t, intent.KindP2PAccept, "trade-accept", map[string]any{
		"buyer": buyer.Address.String(), "trade_id": "t-01",
	})
	require.NoError(t, err)
	require.Len(t, h.Members, 4)
	assert.Equal(t, []string{"sponsor", "user", "sponsor", "user"}, h.Signers)

	out = e.resumeAndWait(t, h, buyer)
	require.Equal(t, store.Confirmed, out.State)
	assert.Equal(t, uint64(group.AssetOptInMBR+4000), e.record(t, h.ID).SponsorSpend)
	_, opted := e.node.AssetBalance(buyer.Address, cusdID)
	assert.True(t, opted)

	v, _ := e.node.Box(e.d.P2P.AppID, templates.TradeKey("t-01"))
	tr, err := templates.DecodeTrade(v)
	require.NoError(t, err)
	assert.Equal(t, templates.TradeActive, tr.Status)
	assert.Equal(t, buyer.Address, tr.Buyer)
}

// ── payroll ───────────────────────────────────────────────────────────────────

func payrollApp(d *templates.Deployment) chaintest.AppHandler {
	return func(l *chaintest.Ledger, grp []types.Transaction, idx int) error {
		tx := grp[idx]
		if !isCall(tx, "payout(uint64,string)void") {
			return errors.New("payroll: unknown method")
		}
		net := binary.BigEndian.Uint64(tx.ApplicationArgs[1])
		item := abiString(tx.ApplicationArgs[2])
		business, recipient, feeTo := tx.Accounts[0], tx.Accounts[1], tx.Accounts[2]
		gross, err := templates.Gross(net)
		if err != nil {
			return err
		}
		v, _ := l.Box(d.Payroll.AppID, templates.VaultKey(business))
		bal, err := templates.DecodeVault(v)
		if err != nil {
			return err
		}
		asset := d.Assets[intent.AssetCUSD]
		if err := l.Transfer(d.Payroll.Address(), recipient, asset, net); err != nil {
			return err
		}
		if err := l.Transfer(d.Payroll.Address(), feeTo, asset, gross-net); err != nil {
			return err
		}
		l.SetBox(d.Payroll.AppID, templates.VaultKey(business), templates.EncodeVault(bal-gross))
		l.SetBox(d.Payroll.AppID, templates.ItemKey(item), []byte{1})
		return nil
	}
}

func TestPayroll_UnsponsoredPayoutDelegatePaysFees(t *testing.T) {
	e := newEnv(t, 10_000_000)
	e.node.HandleApp(e.d.Payroll.AppID, payrollApp(e.d))
	business, delegate, worker := crypto.GenerateAccount(), crypto.GenerateAccount(), crypto.GenerateAccount()
	e.node.OptIn(e.d.Payroll.Address(), cusdID, 10_000_000)
	e.node.OptIn(worker.Address, cusdID, 0)
	e.node.Fund(delegate.Address, 1_000_000)
	e.node.SetBox(e.d.Payroll.AppID, templates.AllowlistKey(business.Address, delegate.Address), []byte{1})
	e.node.SetBox(e.d.Payroll.AppID, templates.VaultKey(business.Address), templates.EncodeVault(10_000_000))
	before := e.node.Balance(e.sig.Address())

	h, err := e.submit(t, intent.KindPayrollPayout, "payout-1", map[string]any{
		"business": business.Address.String(), "delegate": delegate.Address.String(),
		"recipient": worker.Address.String(), "net": 1_000_000, "item_id": "item-1",
	})
	require.NoError(t, err)
	require.Len(t, h.Members, 1)
	assert.Equal(t, []string{"delegate"}, h.Signers)
	assert.Zero(t, h.Quote)

	out := e.resumeAndWait(t, h, delegate)
	require.Equal(t, store.Confirmed, out.State)

	assert.Equal(t, uint64(1_000_000-3*chaintest.MinFee), e.node.Balance(delegate.Address))
	assert.Equal(t, before, e.node.Balance(e.sig.Address()))
	assert.Zero(t, e.record(t, h.ID).SponsorSpend)
	paid, _ := e.node.AssetBalance(worker.Address, cusdID)
	assert.Equal(t, uint64(1_000_000), paid)
	fee, _ := e.node.AssetBalance(e.fee.Address, cusdID)
	assert.Equal(t, uint64(9000), fee)

	// the same item cannot be paid twice
	_, err = e.submit(t, intent.KindPayrollPayout, "payout-2", map[string]any{
		"business": business.Address.String(), "delegate": delegate.Address.String(),
		"recipient": worker.Address.String(), "net": 1_000_000, "item_id": "item-1",
	})
	requireKind(t, err, apperr.InvalidIntent)
}

// ── idempotency ───────────────────────────────────────────────────────────────

func TestSubmit_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)

	h1, err := e.submit(t, intent.KindPayment, "key-1", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	h2, err := e.submit(t, intent.KindPayment, "key-1", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, h1.ID, h2.ID)
	assert.Equal(t, h1.Members, h2.Members)
	assert.Len(t, e.acct.Reservations(), 1)

	_, err = e.submit(t, intent.KindPayment, "key-1", paymentBody(payer, merchant, 2_000_000))
	requireKind(t, err, apperr.Duplicate)

	signed := sign(t, h1, payer)
	_, err = e.orch.Resume(ctx, h1.ID, signed)
	require.NoError(t, err)
	// a second resume is answered from the record
	again, err := e.orch.Resume(ctx, h1.ID, signed)
	require.NoError(t, err)
	assert.Equal(t, h1.ID, again.ID)
	_, err = e.orch.Wait(ctx, h1.ID)
	require.NoError(t, err)

	h3, err := e.submit(t, intent.KindPayment, "key-1", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, h1.ID, h3.ID)
	assert.Equal(t, store.Confirmed, h3.State)
	assert.Equal(t, 1, e.node.Submits())
}

func TestSubmit_ConcurrentSameKeyOneRecord(t *testing.T) {
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, _ := json.Marshal(paymentBody(payer, merchant, 1_000_000))
			if h, err := e.orch.Submit(context.Background(), intent.KindPayment, "same", raw); err == nil {
				ids[i] = h.ID
			}
		}()
	}
	wg.Wait()

	rec, err := e.st.GetByKey(context.Background(), "same")
	require.NoError(t, err)
	for i, id := range ids {
		if id != "" {
			assert.Equal(t, rec.ID, id, "caller %d", i)
		}
	}
	assert.Len(t, e.acct.Reservations(), 1)
}

func TestResume_ConcurrentSubmitsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "race", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	signed := sign(t, h, payer)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.orch.Resume(ctx, h.ID, signed)
		}()
	}
	wg.Wait()

	out, err := e.orch.Wait(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Confirmed, out.State)
	assert.Equal(t, 1, e.node.Submits())
}

// ── sponsor funds ─────────────────────────────────────────────────────────────

func TestSubmit_SponsorDepleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, minOperating+3000)
	payer, merchant := e.paymentParties(t)

	_, err := e.submit(t, intent.KindPayment, "broke", paymentBody(payer, merchant, 1_000_000))
	requireKind(t, err, apperr.SponsorUnavailable)
	assert.True(t, apperr.KindOf(err).Retryable())

	rec, err := e.st.GetByKey(ctx, "broke")
	require.NoError(t, err)
	assert.Equal(t, store.Failed, rec.State)
	assert.Equal(t, apperr.SponsorUnavailable, rec.ErrorKind)
	assert.Empty(t, e.acct.Reservations())

	replay, err := e.submit(t, intent.KindPayment, "broke", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, store.Failed, replay.State)
	require.NotNil(t, replay.Error)
	assert.Equal(t, apperr.SponsorUnavailable, replay.Error.Kind)

	e.node.Fund(e.sig.Address(), 1_000_000)
	require.NoError(t, e.acct.Refresh(ctx))
	h, err := e.submit(t, intent.KindPayment, "funded", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, store.AwaitingUserSig, h.State)
}

// ── cancel / expiry / tamper ──────────────────────────────────────────────────

func TestCancel_ReleasesReservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "cancel-me", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	out, err := e.orch.Cancel(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Reverted, out.State)
	assert.Empty(t, e.acct.Reservations())

	_, err = e.orch.Cancel(ctx, h.ID)
	requireKind(t, err, apperr.IllegalTransition)
	_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
	requireKind(t, err, apperr.IllegalTransition)
	assert.Zero(t, e.node.Submits())
}

func TestResume_AfterExpiry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "late", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	e.node.AdvanceRound(h.ExpiresRound - e.node.Round() + 1)
	_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
	requireKind(t, err, apperr.Expired)

	rec := e.record(t, h.ID)
	assert.Equal(t, store.Expired, rec.State)
	assert.Equal(t, apperr.Expired, rec.ErrorKind)
	assert.Empty(t, e.acct.Reservations())
	assert.Zero(t, e.node.Submits())

	// the terminal error is replayed to later resumes
	_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
	requireKind(t, err, apperr.Expired)
}

func TestResume_TamperedGroupFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "tamper", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	signed := sign(t, h, payer)
	tx := signed[1].Txn
	tx.AssetAmount++
	signed[1] = envelope.Sign(tx, payer.PrivateKey)

	_, err = e.orch.Resume(ctx, h.ID, signed)
	requireKind(t, err, apperr.ClientTampered)
	rec := e.record(t, h.ID)
	assert.Equal(t, store.Failed, rec.State)
	assert.Equal(t, apperr.ClientTampered, rec.ErrorKind)
	assert.Empty(t, e.acct.Reservations())
	assert.Zero(t, e.node.Submits())
}

// signAs signs every member sent by from with key, as a rekeyed wallet would.
func signAs(t *testing.T, h *Handle, from types.Address, key crypto.Account) []types.SignedTxn {
	t.Helper()
	out := sign(t, h)
	for i, stx := range out {
		if stx.Txn.Sender == from {
			out[i] = envelope.Sign(stx.Txn, key.PrivateKey)
		}
	}
	return out
}

func TestResume_RekeyedPayerConfirms(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	auth := crypto.GenerateAccount()
	e.node.Rekey(payer.Address, auth.Address)

	h, err := e.submit(t, intent.KindPayment, "rekeyed", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	_, err = e.orch.Resume(ctx, h.ID, signAs(t, h, payer.Address, auth))
	require.NoError(t, err)
	out, err := e.orch.Wait(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Confirmed, out.State)
}

func TestResume_UnrelatedSignerFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	stranger := crypto.GenerateAccount()

	h, err := e.submit(t, intent.KindPayment, "stranger", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	_, err = e.orch.Resume(ctx, h.ID, signAs(t, h, payer.Address, stranger))
	requireKind(t, err, apperr.ClientTampered)

	assert.Equal(t, store.Failed, e.record(t, h.ID).State)
	assert.Empty(t, e.acct.Reservations())
	assert.Zero(t, e.node.Submits())
}

// ── submission failures ───────────────────────────────────────────────────────

func failingPayment(l *chaintest.Ledger, grp []types.Transaction, idx int) error {
	return errors.New("logic eval error: assert failed pc=42")
}

func TestSubmit_RejectionReasonMatchesDryRun(t *testing.T) {
	ctx := context.Background()
	reasons := map[bool]string{}
	for _, dry := range []bool{true, false} {
		e := newEnv(t, 10_000_000, func(c *config.Config) { c.Timing.DryRun = dry })
		e.node.HandleApp(e.d.Payment.AppID, failingPayment)
		payer, merchant := e.paymentParties(t)
		h, err := e.submit(t, intent.KindPayment, "reject", paymentBody(payer, merchant, 1_000_000))
		require.NoError(t, err)

		_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
		requireKind(t, err, apperr.ContractRejected)
		rec := e.record(t, h.ID)
		assert.Equal(t, store.Failed, rec.State)
		assert.Contains(t, rec.ErrorReason, "assert failed pc=42")
		assert.Zero(t, e.node.Submits())
		assert.Empty(t, e.acct.Reservations())
		reasons[dry] = rec.ErrorReason
	}
	assert.Equal(t, reasons[true], reasons[false])
}

func TestSubmit_RetriesOnceOnUnavailable(t *testing.T) {
	e := newEnv(t, 10_000_000)
	flaky := &flakyNode{Client: e.client, failSubmits: 1}
	e.orch.node = flaky
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "retry", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	out := e.resumeAndWait(t, h, payer)
	assert.Equal(t, store.Confirmed, out.State)
	assert.Equal(t, 2, e.record(t, h.ID).SubmitAttempts)
	assert.Equal(t, 1, e.node.Submits())
}

func TestSubmit_LostReplyNotResent(t *testing.T) {
	e := newEnv(t, 10_000_000)
	e.orch.node = &flakyNode{Client: e.client, dropReplies: 1}
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "lost", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	out := e.resumeAndWait(t, h, payer)
	assert.Equal(t, store.Confirmed, out.State)
	assert.Equal(t, 1, e.record(t, h.ID).SubmitAttempts)
	assert.Equal(t, 1, e.node.Submits())
}

// stalledNode holds every submit until the caller's deadline passes.
type stalledNode struct {
	*chain.Client
}

func (s *stalledNode) Submit(ctx context.Context, _ []byte, _ string) (string, error) {
	<-ctx.Done()
	return "", apperr.Wrap(apperr.RpcUnavailable, ctx.Err(), "submit")
}

func TestSubmit_TimeoutStillRecordsFailure(t *testing.T) {
	e := newEnv(t, 10_000_000, func(c *config.Config) { c.Timing.SubmitTimeoutSec = 1 })
	e.orch.node = &stalledNode{Client: e.client}
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "stalled", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	_, err = e.orch.Resume(context.Background(), h.ID, sign(t, h, payer))
	requireKind(t, err, apperr.RpcUnavailable)
	rec := e.record(t, h.ID)
	assert.Equal(t, store.Failed, rec.State)
	assert.Equal(t, apperr.RpcUnavailable, rec.ErrorKind)
	assert.Empty(t, e.acct.Reservations())
}

func TestSubmit_UnavailableTwiceFails(t *testing.T) {
	e := newEnv(t, 10_000_000)
	e.orch.node = &flakyNode{Client: e.client, failSubmits: 2}
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "down", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)

	_, err = e.orch.Resume(context.Background(), h.ID, sign(t, h, payer))
	requireKind(t, err, apperr.RpcUnavailable)
	rec := e.record(t, h.ID)
	assert.Equal(t, store.Failed, rec.State)
	assert.Empty(t, e.acct.Reservations())
}

// ── confirmation ──────────────────────────────────────────────────────────────

func TestConfirmer_TimesOutPastLastValid(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	e.node.HoldConfirmations()
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "held", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
	require.NoError(t, err)

	assert.Zero(t, e.orch.ConfirmSubmitted(ctx))
	assert.Equal(t, store.Submitted, e.record(t, h.ID).State)

	e.node.AdvanceRound(h.LastValid - e.node.Round() + 1)
	assert.Equal(t, 1, e.orch.ConfirmSubmitted(ctx))
	rec := e.record(t, h.ID)
	assert.Equal(t, store.Failed, rec.State)
	assert.Equal(t, apperr.ConfirmationTimeout, rec.ErrorKind)
	assert.Empty(t, e.acct.Reservations())
}

func TestConfirmer_ConfirmedBeforeWindowCloses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	e.node.HoldConfirmations()
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "late-confirm", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	_, err = e.orch.Resume(ctx, h.ID, sign(t, h, payer))
	require.NoError(t, err)

	e.node.Release()
	e.node.AdvanceRound(h.LastValid)
	assert.Equal(t, 1, e.orch.ConfirmSubmitted(ctx))
	assert.Equal(t, store.Confirmed, e.record(t, h.ID).State)
}

// ── sweeper and recovery ──────────────────────────────────────────────────────

func TestSweep_ExpiresAbandonedAndReleasesOrphans(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "abandoned", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	_, err = e.acct.ReserveAmount(ctx, "ghost", 1000)
	require.NoError(t, err)

	st := e.orch.Sweep(ctx)
	assert.Zero(t, st.Expired)
	assert.Equal(t, 1, st.Reservations)
	require.Len(t, e.acct.Reservations(), 1)

	e.node.AdvanceRound(h.ExpiresRound - e.node.Round() + 1)
	st = e.orch.Sweep(ctx)
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, store.Expired, e.record(t, h.ID).State)
	assert.Empty(t, e.acct.Reservations())
}

func TestSweep_ResubmitsStranded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)
	h, err := e.submit(t, intent.KindPayment, "stranded", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	e.strand(t, h, payer)

	assert.Zero(t, e.orch.Sweep(ctx).Resubmitted, "fresh records are left to their caller")

	e.orch.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 1, e.orch.Sweep(ctx).Resubmitted)
	out, err := e.orch.Wait(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Confirmed, out.State)
}

func TestRelease_FailureIsLogged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, rdb.Ping(ctx).Err())
	e.orch.sponsor = sponsor.New(e.cfg, e.sig.Address(), sponsor.NewQuoter(e.reg, e.client), e.client, rdb, zap.NewNop())
	core, logs := observer.New(zap.WarnLevel)
	e.orch.log = zap.New(core)

	mr.SetError("ERR journal unavailable")
	e.orch.release(ctx, &store.Record{ID: "tx-1", ReservationID: "res-1"})

	entries := logs.FilterMessage("release reservation").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "res-1", entries[0].ContextMap()["reservation"])
	assert.Equal(t, "tx-1", entries[0].ContextMap()["tx"])
}

func TestSweep_InterruptedBuildFailsAndReleases(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	rec, _, err := e.st.Create(ctx, &store.Record{
		IdempotencyKey: "interrupted", IntentKind: "payment", IntentHash: "h", State: store.PendingBuild,
	})
	require.NoError(t, err)
	_, err = e.acct.ReserveAmount(ctx, rec.ID, 2000)
	require.NoError(t, err)

	e.orch.now = func() time.Time { return time.Now().Add(time.Hour) }
	st := e.orch.Sweep(ctx)
	assert.Equal(t, 1, st.Interrupted)
	got := e.record(t, rec.ID)
	assert.Equal(t, store.Failed, got.State)
	assert.Equal(t, apperr.Internal, got.ErrorKind)
	assert.Empty(t, e.acct.Reservations())
}

func TestRecover_AfterRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 10_000_000)
	payer, merchant := e.paymentParties(t)

	stranded, err := e.submit(t, intent.KindPayment, "crash-1", paymentBody(payer, merchant, 1_000_000))
	require.NoError(t, err)
	e.strand(t, stranded, payer)
	waiting, err := e.submit(t, intent.KindPayment, "crash-2", paymentBody(payer, merchant, 2_000_000))
	require.NoError(t, err)

	e.restart(t)
	require.Len(t, e.acct.Reservations(), 2)
	require.NoError(t, e.orch.Recover(ctx))

	assert.Equal(t, store.Confirmed, e.record(t, stranded.ID).State)
	assert.Equal(t, store.AwaitingUserSig, e.record(t, waiting.ID).State)
	require.Len(t, e.acct.Reservations(), 1)
	assert.Equal(t, e.record(t, waiting.ID).ReservationID, e.acct.Reservations()[0].ID)
	assert.Equal(t, uint64(4000), e.acct.Health().TotalSpent)

	// the surviving record still completes
	out := e.resumeAndWait(t, waiting, payer)
	assert.Equal(t, store.Confirmed, out.State)
}
