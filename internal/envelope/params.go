package envelope

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// SuggestedParams is the chain snapshot a group is built against.
type SuggestedParams struct {
	FirstValid  uint64 `json:"first_valid"`
	LastValid   uint64 `json:"last_valid"`
	GenesisID   string `json:"genesis_id"`
	GenesisHash []byte `json:"genesis_hash"`
	MinFee      uint64 `json:"min_fee"`
}

// Validate rejects snapshots that cannot produce a valid transaction.
func (p SuggestedParams) Validate() error {
	if len(p.GenesisHash) != len(types.Digest{}) {
		return fmt.Errorf("genesis hash length %d", len(p.GenesisHash))
	}
	if p.LastValid < p.FirstValid {
		return fmt.Errorf("last valid %d before first valid %d", p.LastValid, p.FirstValid)
	}
	if p.MinFee == 0 {
		return fmt.Errorf("min fee is zero")
	}
	return nil
}

// Window is the number of rounds the snapshot stays valid.
func (p SuggestedParams) Window() uint64 {
	return p.LastValid - p.FirstValid
}

// Apply writes the validity window and genesis fields into tx's header.
func (p SuggestedParams) Apply(tx *types.Transaction) {
	tx.FirstValid = types.Round(p.FirstValid)
	tx.LastValid = types.Round(p.LastValid)
	tx.GenesisID = p.GenesisID
	copy(tx.GenesisHash[:], p.GenesisHash)
}
