package templates

import (
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

// Payment fee in basis points, skimmed by the payment and payroll contracts.
const (
	FeeBps     = 90
	bpsDivisor = 10_000
)

// FeeSplit divides total into the merchant share and the ceil(0.9%) fee.
func FeeSplit(total uint64) (merchant, fee uint64, err error) {
	scaled, overflow := math.SafeMul(total, FeeBps)
	if overflow {
		return 0, 0, apperr.New(apperr.InvalidIntent, "total %d overflows fee computation", total)
	}
	fee = (scaled + bpsDivisor - 1) / bpsDivisor
	if fee >= total {
		return 0, 0, apperr.New(apperr.InvalidIntent, "total %d too small to split", total)
	}
	return total - fee, fee, nil
}

// Gross is net plus the fee the contract skims on top of it.
func Gross(net uint64) (uint64, error) {
	scaled, overflow := math.SafeMul(net, FeeBps)
	if overflow {
		return 0, apperr.New(apperr.InvalidIntent, "net %d overflows fee computation", net)
	}
	gross, overflow := math.SafeAdd(net, (scaled+bpsDivisor-1)/bpsDivisor)
	if overflow {
		return 0, apperr.New(apperr.InvalidIntent, "net %d overflows fee computation", net)
	}
	return gross, nil
}

func paymentTemplates() []Template {
	return []Template{
		{
			Kind:     intent.KindPayment,
			Contract: "payment",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				pi := in.(*intent.PaymentIntent)
				asset := d.Assets[pi.Asset]
				return ReadPlan{Holdings: []HoldingKey{
					{Addr: intent.MustAddr(pi.Merchant), AssetID: asset},
					{Addr: d.FeeRecipient, AssetID: asset},
				}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 4, SponsorFees: true}
			},
			Recipe: paymentRecipe,
		},
		{
			Kind:     intent.KindSend,
			Contract: "",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				si := in.(*intent.SendIntent)
				return ReadPlan{Holdings: []HoldingKey{
					{Addr: intent.MustAddr(si.To), AssetID: d.Assets[si.Asset]},
				}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, SponsorFees: true}
			},
			Recipe: sendRecipe,
		},
	}
}

func paymentRecipe(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	pi := in.(*intent.PaymentIntent)
	payer := intent.MustAddr(pi.Payer)
	merchant := intent.MustAddr(pi.Merchant)

	asset, err := d.AssetID(pi.Asset)
	if err != nil {
		return group.Recipe{}, err
	}
	if err := d.checkRecipient("merchant", merchant, payer); err != nil {
		return group.Recipe{}, err
	}
	if !r.optedIn(merchant, asset) {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "merchant is not opted in to %s", pi.Asset)
	}
	if !r.optedIn(d.FeeRecipient, asset) {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "fee recipient is not opted in to %s", pi.Asset)
	}
	toMerchant, fee, err := FeeSplit(pi.Total)
	if err != nil {
		return group.Recipe{}, err
	}

	sig := sigPayWithCUSD
	if pi.Asset == intent.AssetCONFIO {
		sig = sigPayWithCONFIO
	}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: payer},
			{Kind: group.AssetTransfer, Role: envelope.RoleUser, Sender: payer, Receiver: merchant, AssetID: asset, Amount: toMerchant},
			{Kind: group.AssetTransfer, Role: envelope.RoleUser, Sender: payer, Receiver: d.FeeRecipient, AssetID: asset, Amount: fee},
			{
				Kind:          group.AppCall,
				Role:          envelope.RoleSponsor,
				Sender:        d.Sponsor,
				AppID:         d.Payment.AppID,
				Args:          call(sig, argAccount(1), argAccount(2), argString(pi.PaymentRef)),
				Accounts:      []types.Address{payer, merchant},
				ForeignAssets: []uint64{asset},
			},
		},
		FeePayer: 0,
	}, nil
}

func sendRecipe(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	si := in.(*intent.SendIntent)
	from := intent.MustAddr(si.From)
	to := intent.MustAddr(si.To)

	asset, err := d.AssetID(si.Asset)
	if err != nil {
		return group.Recipe{}, err
	}
	if err := d.checkRecipient("to", to, from); err != nil {
		return group.Recipe{}, err
	}
	if !r.optedIn(to, asset) {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "recipient is not opted in to %s", si.Asset)
	}
	var note []byte
	if si.Memo != "" {
		note = []byte(si.Memo)
	}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: from},
			{Kind: group.AssetTransfer, Role: envelope.RoleUser, Sender: from, Receiver: to, AssetID: asset, Amount: si.Amount, Note: note},
		},
		FeePayer: 0,
	}, nil
}
