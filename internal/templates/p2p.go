package templates

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

func p2pTemplates() []Template {
	return []Template{
		{
			Kind:     intent.KindP2PCreate,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				ci := in.(*intent.P2PCreateIntent)
				return ReadPlan{Boxes: []BoxKey{{AppID: d.P2P.AppID, Name: ci.TradeID}}}
			},
			Cost: func(in intent.Intent, d *Deployment) Cost {
				ci := in.(*intent.P2PCreateIntent)
				c := Cost{Outer: 3, SponsorFees: d.P2P.Sponsored}
				if d.P2P.Sponsored {
					c.MBR = group.BoxMBR(len(TradeKey(ci.TradeID)), TradeBoxLen)
				}
				return c
			},
			Recipe: p2pCreate,
		},
		{
			Kind:     intent.KindP2PAccept,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				ai := in.(*intent.P2PAcceptIntent)
				buyer := intent.MustAddr(ai.Buyer)
				plan := ReadPlan{Boxes: []BoxKey{{AppID: d.P2P.AppID, Name: ai.TradeID}}}
				for _, id := range d.Assets {
					plan.Holdings = append(plan.Holdings, HoldingKey{Addr: buyer, AssetID: id})
				}
				return plan
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, SponsorFees: true, OptIns: 1}
			},
			Recipe: p2pAccept,
		},
		{
			Kind:     intent.KindP2PConfirm,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				return ReadPlan{Boxes: []BoxKey{{AppID: d.P2P.AppID, Name: in.(*intent.P2PConfirmIntent).TradeID}}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 1, SponsorFees: true}
			},
			Recipe: p2pConfirm,
		},
		{
			Kind:     intent.KindP2PCancel,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				return ReadPlan{Boxes: []BoxKey{{AppID: d.P2P.AppID, Name: in.(*intent.P2PCancelIntent).TradeID}}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 1, SponsorFees: true}
			},
			Recipe: p2pCancel,
		},
		{
			Kind:     intent.KindP2PDispute,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				id := in.(*intent.P2PDisputeIntent).TradeID
				return ReadPlan{Boxes: []BoxKey{
					{AppID: d.P2P.AppID, Name: id},
					{AppID: d.P2P.AppID, Name: string(DisputeKey(id))},
				}}
			},
			Cost: func(in intent.Intent, d *Deployment) Cost {
				di := in.(*intent.P2PDisputeIntent)
				c := Cost{Outer: 2, SponsorFees: d.P2P.Sponsored}
				if d.P2P.Sponsored {
					c.MBR = group.BoxMBR(len(DisputeKey(di.TradeID)), DisputeBoxLen)
				}
				return c
			},
			Recipe: p2pDispute,
		},
		{
			Kind:     intent.KindP2PResolve,
			Contract: "p2p_trade",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				id := in.(*intent.P2PResolveIntent).TradeID
				return ReadPlan{Boxes: []BoxKey{
					{AppID: d.P2P.AppID, Name: id},
					{AppID: d.P2P.AppID, Name: string(DisputeKey(id))},
				}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 1, Inner: 1, SponsorFees: true}
			},
			Recipe: p2pResolve,
		},
	}
}

func readTrade(d *Deployment, r *ChainReads, id string) (Trade, error) {
	v, ok := r.box(d.P2P.AppID, TradeKey(id))
	if !ok {
		return Trade{}, apperr.New(apperr.InvalidIntent, "trade %q not found", id)
	}
	t, err := DecodeTrade(v)
	if err != nil {
		return Trade{}, apperr.Wrap(apperr.InvalidIntent, err, "unreadable trade box")
	}
	return t, nil
}

func (t Trade) expired(now int64) bool {
	return t.ExpiresAt != 0 && uint64(now) >= t.ExpiresAt
}

func p2pCreate(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ci := in.(*intent.P2PCreateIntent)
	seller := intent.MustAddr(ci.Seller)
	asset, err := d.AssetID(ci.Asset)
	if err != nil {
		return group.Recipe{}, err
	}
	key := TradeKey(ci.TradeID)
	if _, exists := r.box(d.P2P.AppID, key); exists {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade %q already exists", ci.TradeID)
	}

	funder, funderRole := d.payer(d.P2P, seller, envelope.RoleUser)
	box := group.BoxCreate{Name: key, ValueLen: TradeBoxLen, FundedBy: 0}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: funderRole, Sender: funder, Receiver: d.P2P.Address(), Amount: box.MBR()},
			{Kind: group.AssetTransfer, Role: envelope.RoleUser, Sender: seller, Receiver: d.P2P.Address(), AssetID: asset, Amount: ci.Amount},
			{
				Kind:          group.AppCall,
				Role:          envelope.RoleUser,
				Sender:        seller,
				AppID:         d.P2P.AppID,
				Args:          call(sigCreateTrade, argString(ci.TradeID), argUint64(ci.FiatAmount), argString(ci.FiatCurrency)),
				ForeignAssets: []uint64{asset},
				Boxes:         [][]byte{key},
			},
		},
		FeePayer: 0,
		Creates:  []group.BoxCreate{box},
	}, nil
}

func p2pAccept(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ai := in.(*intent.P2PAcceptIntent)
	buyer := intent.MustAddr(ai.Buyer)
	t, err := readTrade(d, r, ai.TradeID)
	if err != nil {
		return group.Recipe{}, err
	}
	switch {
	case t.Seller == buyer:
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "seller cannot accept their own trade")
	case t.Status != TradePending:
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade is %s", t.Status)
	case t.expired(r.Now):
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade has expired")
	}

	rec := group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: buyer},
			{
				Kind:   group.AppCall,
				Role:   envelope.RoleUser,
				Sender: buyer,
				AppID:  d.P2P.AppID,
				Args:   call(sigAcceptTrade, argString(ai.TradeID)),
				Boxes:  [][]byte{TradeKey(ai.TradeID)},
			},
		},
		FeePayer: 0,
	}
	return bootstrap(rec, d, r, buyer, envelope.RoleUser, t.AssetID), nil
}

func p2pConfirm(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ci := in.(*intent.P2PConfirmIntent)
	seller := intent.MustAddr(ci.Seller)
	t, err := readTrade(d, r, ci.TradeID)
	if err != nil {
		return group.Recipe{}, err
	}
	if t.Seller != seller {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "only the seller can confirm payment")
	}
	if t.Status != TradeActive {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade is %s", t.Status)
	}
	return tradeCall(d, seller, sigConfirmPayment, ci.TradeID, t.Buyer, t.AssetID), nil
}

func p2pCancel(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ci := in.(*intent.P2PCancelIntent)
	caller := intent.MustAddr(ci.Caller)
	t, err := readTrade(d, r, ci.TradeID)
	if err != nil {
		return group.Recipe{}, err
	}
	if caller != t.Seller && caller != t.Buyer {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "caller is not a party to the trade")
	}
	switch t.Status {
	case TradePending:
	case TradeActive:
		if !t.expired(r.Now) {
			return group.Recipe{}, apperr.New(apperr.InvalidIntent, "accepted trade cannot be cancelled before it expires")
		}
	default:
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade is %s", t.Status)
	}
	return tradeCall(d, caller, sigCancelTrade, ci.TradeID, t.Seller, t.AssetID), nil
}

// tradeCall is the sponsor-fee-paid shape whose call pays out of escrow to
// payee with one inner transfer.
func tradeCall(d *Deployment, caller types.Address, sig, id string, payee types.Address, asset uint64) group.Recipe {
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: caller},
			{
				Kind:          group.AppCall,
				Role:          envelope.RoleUser,
				Sender:        caller,
				AppID:         d.P2P.AppID,
				Args:          call(sig, argString(id)),
				Accounts:      []types.Address{payee},
				ForeignAssets: []uint64{asset},
				Boxes:         [][]byte{TradeKey(id)},
			},
		},
		FeePayer:   0,
		InnerCount: 1,
	}
}

func p2pDispute(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	di := in.(*intent.P2PDisputeIntent)
	opener := intent.MustAddr(di.Opener)
	reason, err := di.ReasonDigest()
	if err != nil {
		return group.Recipe{}, err
	}
	t, err := readTrade(d, r, di.TradeID)
	if err != nil {
		return group.Recipe{}, err
	}
	if opener != t.Seller && opener != t.Buyer {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "opener is not a party to the trade")
	}
	if t.Status != TradeActive {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "only an active trade can be disputed, trade is %s", t.Status)
	}
	dkey := DisputeKey(di.TradeID)
	if _, exists := r.box(d.P2P.AppID, dkey); exists {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "dispute already open")
	}

	funder, funderRole := d.payer(d.P2P, opener, envelope.RoleUser)
	box := group.BoxCreate{Name: dkey, ValueLen: DisputeBoxLen, FundedBy: 0}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: funderRole, Sender: funder, Receiver: d.P2P.Address(), Amount: box.MBR()},
			{
				Kind:   group.AppCall,
				Role:   envelope.RoleUser,
				Sender: opener,
				AppID:  d.P2P.AppID,
				Args:   call(sigOpenDispute, argString(di.TradeID), argBytes32(reason)),
				Boxes:  [][]byte{TradeKey(di.TradeID), dkey},
			},
		},
		FeePayer: 0,
		Creates:  []group.BoxCreate{box},
	}, nil
}

func p2pResolve(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ri := in.(*intent.P2PResolveIntent)
	t, err := readTrade(d, r, ri.TradeID)
	if err != nil {
		return group.Recipe{}, err
	}
	if t.Status != TradeDisputed {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "trade is %s, not disputed", t.Status)
	}
	if _, ok := r.box(d.P2P.AppID, DisputeKey(ri.TradeID)); !ok {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "dispute box missing")
	}
	winner := t.Seller
	if ri.Winner == intent.WinnerBuyer {
		winner = t.Buyer
	}
	return group.Recipe{
		Slots: []group.Slot{{
			Kind:          group.AppCall,
			Role:          envelope.RoleSponsor,
			Sender:        d.Sponsor,
			AppID:         d.P2P.AppID,
			Args:          call(sigResolveDispute, argString(ri.TradeID), argAccount(1)),
			Accounts:      []types.Address{winner},
			ForeignAssets: []uint64{t.AssetID},
			Boxes:         [][]byte{TradeKey(ri.TradeID), DisputeKey(ri.TradeID)},
		}},
		FeePayer:   0,
		InnerCount: 1,
	}, nil
}
