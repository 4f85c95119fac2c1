package templates

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

// PresaleUnlockedKey is the presale global that gates claims.
const PresaleUnlockedKey = "claims_unlocked"

func presaleTemplates() []Template {
	return []Template{{
		Kind:     intent.KindPresaleClaim,
		Contract: "presale",
		Reads: func(in intent.Intent, d *Deployment) ReadPlan {
			u := intent.MustAddr(in.(*intent.PresaleClaimIntent).User)
			return ReadPlan{
				Holdings: []HoldingKey{{Addr: u, AssetID: d.Assets[intent.AssetCONFIO]}},
				Globals:  []uint64{d.Presale.AppID},
			}
		},
		Cost: func(intent.Intent, *Deployment) Cost {
			return Cost{Outer: 2, Inner: 1, SponsorFees: true}
		},
		Recipe: presaleClaim,
	}}
}

func rewardTemplates() []Template {
	return []Template{
		{
			Kind:     intent.KindRewardClaim,
			Contract: "rewards",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				u := intent.MustAddr(in.(*intent.RewardClaimIntent).User)
				return ReadPlan{
					Holdings: []HoldingKey{{Addr: u, AssetID: d.Assets[intent.AssetCONFIO]}},
					Boxes:    []BoxKey{{AppID: d.Rewards.AppID, Name: string(EligibilityKey(u))}},
				}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 1, SponsorFees: true, OptIns: 1}
			},
			Recipe: rewardClaim,
		},
		{
			Kind:     intent.KindRewardMarkEligible,
			Contract: "rewards",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				u := intent.MustAddr(in.(*intent.RewardMarkEligibleIntent).User)
				return ReadPlan{Boxes: []BoxKey{{AppID: d.Rewards.AppID, Name: string(EligibilityKey(u))}}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, SponsorFees: true, MBR: group.BoxMBR(32, EligibilityBoxLen)}
			},
			Recipe: rewardMarkEligible,
		},
	}
}

// witnessed is the two-member shape where the user only signs a zero
// self-payment and the sponsor sends and pays for the call.
func witnessed(user types.Address, appl group.Slot, inner int) group.Recipe {
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleUser, Sender: user, Receiver: user, SelfTransfer: true},
			appl,
		},
		FeePayer:   1,
		InnerCount: inner,
	}
}

func presaleClaim(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	user := intent.MustAddr(in.(*intent.PresaleClaimIntent).User)
	confio, err := d.AssetID(intent.AssetCONFIO)
	if err != nil {
		return group.Recipe{}, err
	}
	if v, ok := r.global(d.Presale.AppID, PresaleUnlockedKey); !ok || v.Uint == 0 {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "presale claims are locked")
	}
	if !r.optedIn(user, confio) {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "user is not opted in to %s", intent.AssetCONFIO)
	}
	return witnessed(user, group.Slot{
		Kind:          group.AppCall,
		Role:          envelope.RoleSponsor,
		Sender:        d.Sponsor,
		AppID:         d.Presale.AppID,
		Args:          call(sigPresaleClaim, argAccount(1)),
		Accounts:      []types.Address{user},
		ForeignAssets: []uint64{confio},
	}, 1), nil
}

func rewardClaim(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	user := intent.MustAddr(in.(*intent.RewardClaimIntent).User)
	confio, err := d.AssetID(intent.AssetCONFIO)
	if err != nil {
		return group.Recipe{}, err
	}
	key := EligibilityKey(user)
	v, ok := r.box(d.Rewards.AppID, key)
	if !ok {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "user is not eligible for a reward")
	}
	e, err := DecodeEligibility(v)
	if err != nil {
		return group.Recipe{}, apperr.Wrap(apperr.InvalidIntent, err, "unreadable eligibility box")
	}
	if e.ClaimedAt != 0 {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "reward already claimed")
	}
	rec := witnessed(user, group.Slot{
		Kind:          group.AppCall,
		Role:          envelope.RoleSponsor,
		Sender:        d.Sponsor,
		AppID:         d.Rewards.AppID,
		Args:          call(sigClaimReward, argAccount(1)),
		Accounts:      []types.Address{user},
		ForeignAssets: []uint64{confio},
		Boxes:         [][]byte{key},
	}, 1)
	return bootstrap(rec, d, r, user, envelope.RoleUser, confio), nil
}

func rewardMarkEligible(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	mi := in.(*intent.RewardMarkEligibleIntent)
	user := intent.MustAddr(mi.User)
	key := EligibilityKey(user)
	if _, exists := r.box(d.Rewards.AppID, key); exists {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "user is already marked eligible")
	}
	box := group.BoxCreate{Name: key, ValueLen: EligibilityBoxLen, FundedBy: 0}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: d.Rewards.Address(), Amount: box.MBR()},
			{
				Kind:   group.AppCall,
				Role:   envelope.RoleSponsor,
				Sender: d.Sponsor,
				AppID:  d.Rewards.AppID,
				Args:   call(sigMarkEligible, argAddress(user), argUint64(mi.Amount)),
				Boxes:  [][]byte{key},
			},
		},
		FeePayer: 0,
		Creates:  []group.BoxCreate{box},
	}, nil
}
