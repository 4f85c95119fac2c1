package templates

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

func inviteTemplates() []Template {
	return []Template{
		{
			Kind:     intent.KindInviteCreate,
			Contract: "invite_send",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				return ReadPlan{Boxes: []BoxKey{{AppID: d.Invite.AppID, Name: in.(*intent.InviteCreateIntent).InvitationID}}}
			},
			Cost: func(in intent.Intent, d *Deployment) Cost {
				ci := in.(*intent.InviteCreateIntent)
				if !d.Invite.Sponsored {
					return Cost{Outer: 3}
				}
				return Cost{Outer: 4, SponsorFees: true, MBR: group.BoxMBR(len(InvitationKey(ci.InvitationID)), InvitationBoxLen)}
			},
			Recipe: inviteCreate,
		},
		{
			Kind:     intent.KindInviteClaim,
			Contract: "invite_send",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				ci := in.(*intent.InviteClaimIntent)
				claimant := intent.MustAddr(ci.Claimant)
				plan := ReadPlan{Boxes: []BoxKey{
					{AppID: d.Invite.AppID, Name: ci.InvitationID},
					{AppID: d.Invite.AppID, Name: string(ReceiptKey(ci.InvitationID))},
				}}
				for _, id := range d.Assets {
					plan.Holdings = append(plan.Holdings, HoldingKey{Addr: claimant, AssetID: id})
				}
				return plan
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 2, SponsorFees: true, OptIns: 1}
			},
			Recipe: inviteClaim,
		},
		{
			Kind:     intent.KindInviteReclaim,
			Contract: "invite_send",
			Reads: func(in intent.Intent, d *Deployment) ReadPlan {
				ri := in.(*intent.InviteReclaimIntent)
				return ReadPlan{Boxes: []BoxKey{
					{AppID: d.Invite.AppID, Name: ri.InvitationID},
					{AppID: d.Invite.AppID, Name: string(ReceiptKey(ri.InvitationID))},
				}}
			},
			Cost: func(intent.Intent, *Deployment) Cost {
				return Cost{Outer: 2, Inner: 2, SponsorFees: true}
			},
			Recipe: inviteReclaim,
		},
	}
}

func inviteCreate(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ci := in.(*intent.InviteCreateIntent)
	inviter := intent.MustAddr(ci.Inviter)
	asset, err := d.AssetID(ci.Asset)
	if err != nil {
		return group.Recipe{}, err
	}
	key := InvitationKey(ci.InvitationID)
	if _, exists := r.box(d.Invite.AppID, key); exists {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "invitation %q already exists", ci.InvitationID)
	}

	app := d.Invite.Address()
	deposit := group.Slot{Kind: group.AssetTransfer, Role: envelope.RoleUser, Sender: inviter, Receiver: app, AssetID: asset, Amount: ci.Amount}
	create := group.Slot{
		Kind:          group.AppCall,
		Role:          envelope.RoleUser,
		Sender:        inviter,
		AppID:         d.Invite.AppID,
		Args:          call(sigCreateInvite, argString(ci.InvitationID), argUint64(ci.TTL())),
		ForeignAssets: []uint64{asset},
		Boxes:         [][]byte{key},
	}

	if !d.Invite.Sponsored {
		box := group.BoxCreate{Name: key, ValueLen: InvitationBoxLen, FundedBy: 0}
		return group.Recipe{
			Slots: []group.Slot{
				{Kind: group.Pay, Role: envelope.RoleUser, Sender: inviter, Receiver: app, Amount: box.MBR()},
				deposit,
				create,
			},
			FeePayer: 0,
			Creates:  []group.BoxCreate{box},
		}, nil
	}
	box := group.BoxCreate{Name: key, ValueLen: InvitationBoxLen, FundedBy: 1}
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: inviter},
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: app, Amount: box.MBR()},
			deposit,
			create,
		},
		FeePayer: 0,
		Creates:  []group.BoxCreate{box},
	}, nil
}

func readInvitation(d *Deployment, r *ChainReads, id string) (Invitation, error) {
	v, ok := r.box(d.Invite.AppID, InvitationKey(id))
	if !ok {
		return Invitation{}, apperr.New(apperr.InvalidIntent, "invitation %q not found", id)
	}
	inv, err := DecodeInvitation(v)
	if err != nil {
		return Invitation{}, apperr.Wrap(apperr.InvalidIntent, err, "unreadable invitation box")
	}
	if inv.Status != InvitePending {
		return Invitation{}, apperr.New(apperr.InvalidIntent, "invitation %q is already settled", id)
	}
	if _, settled := r.box(d.Invite.AppID, ReceiptKey(id)); settled {
		return Invitation{}, apperr.New(apperr.InvalidIntent, "invitation %q already has a receipt", id)
	}
	return inv, nil
}

func inviteClaim(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ci := in.(*intent.InviteClaimIntent)
	claimant := intent.MustAddr(ci.Claimant)
	inv, err := readInvitation(d, r, ci.InvitationID)
	if err != nil {
		return group.Recipe{}, err
	}
	if inv.Inviter == claimant {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "inviter cannot claim their own invitation")
	}
	if inv.ExpiresAt != 0 && uint64(r.Now) >= inv.ExpiresAt {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "invitation has expired")
	}
	rec := settleInvite(d, claimant, sigClaimInvite, ci.InvitationID, inv)
	return bootstrap(rec, d, r, claimant, envelope.RoleUser, inv.AssetID), nil
}

func inviteReclaim(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error) {
	ri := in.(*intent.InviteReclaimIntent)
	inviter := intent.MustAddr(ri.Inviter)
	inv, err := readInvitation(d, r, ri.InvitationID)
	if err != nil {
		return group.Recipe{}, err
	}
	if inv.Inviter != inviter {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "only the inviter can reclaim")
	}
	if inv.ExpiresAt == 0 || uint64(r.Now) < inv.ExpiresAt {
		return group.Recipe{}, apperr.New(apperr.InvalidIntent, "invitation has not expired")
	}
	return settleInvite(d, inviter, sigReclaimInvite, ri.InvitationID, inv), nil
}

// settleInvite pays out the escrow and refunds the box reserve: two inner
// transactions, plus the receipt box the contract writes from that refund.
func settleInvite(d *Deployment, caller types.Address, sig, id string, inv Invitation) group.Recipe {
	return group.Recipe{
		Slots: []group.Slot{
			{Kind: group.Pay, Role: envelope.RoleSponsor, Sender: d.Sponsor, Receiver: caller},
			{
				Kind:          group.AppCall,
				Role:          envelope.RoleUser,
				Sender:        caller,
				AppID:         d.Invite.AppID,
				Args:          call(sig, argString(id)),
				Accounts:      []types.Address{inv.Inviter},
				ForeignAssets: []uint64{inv.AssetID},
				Boxes:         [][]byte{InvitationKey(id), ReceiptKey(id)},
			},
		},
		FeePayer:   0,
		InnerCount: 2,
	}
}
