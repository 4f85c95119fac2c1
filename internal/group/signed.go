package group

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/envelope"
)

// SlotState describes what sits in a member's signature slot.
type SlotState string

const (
	SlotUnsigned    SlotState = "unsigned"
	SlotUserSig     SlotState = "user_sig"
	SlotSponsorSig  SlotState = "sponsor_sig"
	SlotDelegateSig SlotState = "delegate_sig"
)

// SignedGroup pairs each envelope of Group with its signature slot.
type SignedGroup struct {
	Group *Group
	Txns  []types.SignedTxn
}

// NewSigned starts a signed group with every slot empty.
func NewSigned(g *Group) *SignedGroup {
	return &SignedGroup{Group: g, Txns: g.Unsigned()}
}

// State reports the slot state of member i.
func (sg *SignedGroup) State(i int) SlotState {
	if envelope.IsUnsigned(sg.Txns[i]) {
		return SlotUnsigned
	}
	switch sg.Group.Envelopes[i].Role {
	case envelope.RoleSponsor:
		return SlotSponsorSig
	case envelope.RoleDelegate:
		return SlotDelegateSig
	default:
		return SlotUserSig
	}
}

// Complete reports whether every member carries a signature.
func (sg *SignedGroup) Complete() bool {
	for i := range sg.Txns {
		if sg.State(i) == SlotUnsigned {
			return false
		}
	}
	return true
}

// Bytes is the submit payload.
func (sg *SignedGroup) Bytes() []byte {
	return envelope.EncodeSigned(sg.Txns)
}
