// Package group turns template recipes into canonical unsigned atomic groups.
package group

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
)

// Chain constants the builder relies on.
const (
	MaxSize       = 16
	MaxBoxName    = 64
	BoxBaseMBR    = 2500
	BoxByteMBR    = 400
	AssetOptInMBR = 100_000
)

// BoxMBR is the reserve a contract must hold for one box.
func BoxMBR(keyLen, valueLen int) uint64 {
	return BoxBaseMBR + BoxByteMBR*uint64(keyLen+valueLen)
}

// SlotKind is the transaction type a slot produces.
type SlotKind int

const (
	Pay SlotKind = iota + 1
	AssetTransfer
	AssetOptIn
	AppCall
)

func (k SlotKind) String() string {
	switch k {
	case Pay:
		return "pay"
	case AssetTransfer:
		return "axfer"
	case AssetOptIn:
		return "optin"
	case AppCall:
		return "appl"
	default:
		return "unknown"
	}
}

// Slot is one member of a recipe. Amount is microalgos for Pay and base
// units for AssetTransfer. Args already include the ABI selector.
type Slot struct {
	Kind     SlotKind
	Role     envelope.Role
	Sender   types.Address
	Receiver types.Address
	Amount   uint64
	AssetID  uint64
	AppID    uint64

	Args          [][]byte
	Accounts      []types.Address
	ForeignAssets []uint64
	ForeignApps   []uint64
	Boxes         [][]byte

	Note []byte
	// SelfTransfer permits Sender == Receiver (witness payments).
	SelfTransfer bool
}

// BoxCreate declares a box the contract creates; FundedBy is the index of
// the Pay slot carrying its reserve.
type BoxCreate struct {
	Name     []byte `json:"name"`
	ValueLen int    `json:"value_len"`
	FundedBy int    `json:"funded_by"`
}

// MBR of this box.
func (b BoxCreate) MBR() uint64 { return BoxMBR(len(b.Name), b.ValueLen) }

// Recipe is the ordered layout a template declares for one intent.
type Recipe struct {
	Kind       string
	Slots      []Slot
	FeePayer   int
	InnerCount int
	Creates    []BoxCreate
}

// WithBootstrap prefixes r with a sponsor payment covering the opt-in
// reserve and one opt-in per asset, all inside the same group.
func WithBootstrap(r Recipe, sponsor, user types.Address, role envelope.Role, assets []uint64) Recipe {
	if len(assets) == 0 {
		return r
	}
	prefix := []Slot{{
		Kind:     Pay,
		Role:     envelope.RoleSponsor,
		Sender:   sponsor,
		Receiver: user,
		Amount:   AssetOptInMBR * uint64(len(assets)),
	}}
	for _, id := range assets {
		prefix = append(prefix, Slot{
			Kind:     AssetOptIn,
			Role:     role,
			Sender:   user,
			Receiver: user,
			AssetID:  id,
		})
	}
	out := r
	out.Slots = append(prefix, r.Slots...)
	out.FeePayer = r.FeePayer + len(prefix)
	out.Creates = make([]BoxCreate, len(r.Creates))
	for i, c := range r.Creates {
		c.FundedBy += len(prefix)
		out.Creates[i] = c
	}
	return out
}

func (s Slot) txn() (types.Transaction, error) {
	var tx types.Transaction
	tx.Sender = s.Sender
	tx.Note = s.Note

	switch s.Kind {
	case Pay:
		if err := s.checkReceiver(); err != nil {
			return tx, err
		}
		tx.Type = types.PaymentTx
		tx.Receiver = s.Receiver
		tx.Amount = types.MicroAlgos(s.Amount)

	case AssetTransfer:
		if err := s.checkReceiver(); err != nil {
			return tx, err
		}
		if s.AssetID == 0 {
			return tx, fmt.Errorf("asset transfer without asset id")
		}
		tx.Type = types.AssetTransferTx
		tx.XferAsset = types.AssetIndex(s.AssetID)
		tx.AssetReceiver = s.Receiver
		tx.AssetAmount = s.Amount

	case AssetOptIn:
		if s.AssetID == 0 {
			return tx, fmt.Errorf("opt-in without asset id")
		}
		tx.Type = types.AssetTransferTx
		tx.XferAsset = types.AssetIndex(s.AssetID)
		tx.AssetReceiver = s.Sender

	case AppCall:
		if s.AppID == 0 {
			return tx, fmt.Errorf("app call without app id")
		}
		if len(s.Args) == 0 {
			return tx, fmt.Errorf("app call without method selector")
		}
		tx.Type = types.ApplicationCallTx
		tx.ApplicationID = types.AppIndex(s.AppID)
		tx.OnCompletion = types.NoOpOC
		tx.ApplicationArgs = s.Args
		tx.Accounts = s.Accounts
		for _, id := range s.ForeignAssets {
			tx.ForeignAssets = append(tx.ForeignAssets, types.AssetIndex(id))
		}
		for _, id := range s.ForeignApps {
			tx.ForeignApps = append(tx.ForeignApps, types.AppIndex(id))
		}
		for _, name := range s.Boxes {
			if len(name) == 0 || len(name) > MaxBoxName {
				return tx, fmt.Errorf("box name length %d", len(name))
			}
			tx.BoxReferences = append(tx.BoxReferences, types.BoxReference{ForeignAppIdx: 0, Name: name})
		}

	default:
		return tx, fmt.Errorf("unknown slot kind %d", s.Kind)
	}
	return tx, nil
}

func (s Slot) checkReceiver() error {
	if s.Receiver.IsZero() {
		return apperr.New(apperr.InvalidIntent, "%s receiver is the zero address", s.Kind)
	}
	if s.Receiver == s.Sender && !s.SelfTransfer {
		return apperr.New(apperr.InvalidIntent, "%s receiver equals sender", s.Kind)
	}
	return nil
}
