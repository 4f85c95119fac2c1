package templates

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

// Payroll vaults hold cUSD.
const payrollAsset = intent.AssetCUSD

func payrollTemplates() []Template {
	return []Template{
		{
			Kind:     intent.KindPayrollPayout,
			Contract: "payroll",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				pi := in.(*intent.PayrollPayoutIntent)
				b, del := intent.MustAddr(pi.Business), intent.MustAddr(pi.Delegate)
				app := d.Payroll.AppID
				return ReadPlan{
					Boxes: []BoxKey{
						{AppID: app, Name: string(AllowlistKey(b, del))},
						{AppID: app, Name: string(ItemKey(pi.ItemID))},
						{AppID: app, Name: string(VaultKey(b))},
					},
					Holdings: []HoldingKey{{Addr: intent.MustAddr(pi.Recipient), AssetID: d.Assets[payrollAsset]}},
				}
			},
			Cost: func(_ intent.Intent, d *Deployment) Cost {
				if d.Payroll.Sponsored {
					return Cost{Outer: 2, Inner: 2, SponsorFees: true}
				}
				return Cost{Outer: 1, Inner: 2}
			},
			Recipe: payrollPayout,
		},
		{
			Kind:     intent.KindPayrollFund,
			Contract: "payroll",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				b := intent.MustAddr(in.(*intent.PayrollFundIntent).Business)
				return ReadPlan{Boxes: []BoxKey{{AppID: d.Payroll.AppID, Name: string(VaultKey(b))}}}
			},
			Cost: func(in intent.Intent, d *Deployment) Cost {
				b := intent.MustAddr(in.(*intent.PayrollFundIntent).Business)
				return Cost{Outer: 4, SponsorFees: true, MBR: group.BoxMBR(len(VaultKey(b)), VaultBoxLen)}
			},
			Recipe: payrollFund,
		},
		{
			Kind:     intent.KindPayrollWithdraw,
			Contract: "payroll",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				b := intent.MustAddr(in.(*intent.PayrollWithdrawIntent).Business)
				return ReadPlan{Boxes: []BoxKey{{AppID: d.Payroll.AppID, Name: string(VaultKey(b))}}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 1, SponsorFees: true}
			},
			Recipe: payrollWithdraw,
		},
	}
}

func readVault(d *Deployment, r *ChainReads, b types.Address) (uint64, bool, error) {
	v, ok := r.box(d.Payroll.AppID, VaultKey(b))
	if !ok {
		return 0, false, nil
	}
	bal, err := DecodeVault(v)
	if err != nil {
		return 0, true, apperr.Wrap(apperr.InvalidIntent, err, "unreadable vault box")
	}
	return bal, true, nil
}

func payrollPayout(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	pi := in.(*intent.PayrollPayoutIntent)
	business := intent.MustAddr(pi.Business)
	delegate := intent.MustAddr(pi.Delegate)
	recipient := intent.MustAddr(pi.Recipient)
	asset, err := d.AssetID(payrollAsset)
	if err != nil {
		return group.Recipe{}, err
	}
	if err := d.checkRecipient("recipient", recipient, business); err != nil {
		return group.Recipe{}, err
	}
	if _, ok := r.box(d.Payroll.AppID, AllowlistKey(business, delegate)); !ok {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "delegate is not allowlisted for this business")
	}
	if _, paid := r.box(d.Payroll.AppID, ItemKey(pi.ItemID)); paid {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "payroll item %q already paid", pi.ItemID)
	}
	gross, err := Gross(pi.Net)
	if err != nil {
		return group.Recipe{}, err
	}
	bal, ok, err := readVault(d, r, business)
	if err != nil {
		return group.Recipe{}, err
	}
	if !ok || bal < gross {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "vault balance %d below gross %d", bal, gross)
	}
	if !r.optedIn(recipient, asset) {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "recipient is not opted in to %s", payrollAsset)
	}

	payout := group.Slot{
		Kind:          group.AppCall,
		Role:          envelope.RoleDelegate,
		Sender:        delegate,
		AppID:         d.Payroll.AppID,
		Args:          call(sigPayout, argUint64(pi.Net), argString(pi.ItemID)),
		Accounts:      []types.Address{business, recipient, d.FeeRecipient},
		ForeignAssets: []uint64{asset},
		Boxes: [][]byte{
			AllowlistKey(business, delegate),
			DelegateKey(delegate),
			ItemKey(pi.ItemID),
			VaultKey(business),
		},
	}
	if !d.Payroll.Sponsored {
		return group.Recipe{Slots: []group.Slot{payout}, FeePayer: 0, InnerCount: 2}, nil
	}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: delegate},
			payout,
		},
		FeePayer:   0,
		InnerCount: 2,
	}, nil
}

func payrollFund(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	fi := in.(*intent.PayrollFundIntent)
	business := intent.MustAddr(fi.Business)
	asset, err := d.AssetID(payrollAsset)
	if err != nil {
		return group.Recipe{}, err
	}
	_, exists, err := readVault(d, r, business)
	if err != nil {
		return group.Recipe{}, err
	}

	app := d.Payroll.Address()
	key := VaultKey(business)
	rec := group.Recipe{
		Slots: []group.Slot{{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: business}},
	}
	if !exists {
		box := group.BoxCreate{Name: key, ValueLen: VaultBoxLen, FundedBy: len(rec.Slots)}
		rec.Slots = append(rec.Slots, group.Slot{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: app, Amount: box.MBR()})
		rec.Creates = append(rec.Creates, box)
	}
	rec.Slots = append(rec.Slots,
		group.Slot{Kind: group.AssetTransfer, Role: envelope.RoleBusiness, Sender: business, Receiver: app, AssetID: asset, Amount: fi.Amount},
		group.Slot{
			Kind:          group.AppCall,
			Role:          envelope.RoleBusiness,
			Sender:        business,
			AppID:         d.Payroll.AppID,
			Args:          call(sigFundVault, argUint64(fi.Amount)),
			ForeignAssets: []uint64{asset},
			Boxes:         [][]byte{key},
		},
	)
	return rec, nil
}

func payrollWithdraw(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	wi := in.(*intent.PayrollWithdrawIntent)
	business := intent.MustAddr(wi.Business)
	asset, err := d.AssetID(payrollAsset)
	if err != nil {
		return group.Recipe{}, err
	}
	bal, ok, err := readVault(d, r, business)
	if err != nil {
		return group.Recipe{}, err
	}
	if !ok {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "business has no vault")
	}
	if bal < wi.Amount {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "vault balance %d below %d", bal, wi.Amount)
	}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: business},
			{
				Kind:          group.AppCall,
				Role:          envelope.RoleBusiness,
				Sender:        business,
				AppID:         d.Payroll.AppID,
				Args:          call(sigWithdrawVault, argUint64(wi.Amount)),
				ForeignAssets: []uint64{asset},
				Boxes:         [][]byte{VaultKey(business)},
			},
		},
		FeePayer:   0,
		InnerCount: 1,
	}, nil
}
