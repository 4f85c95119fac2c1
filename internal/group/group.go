package group

import (
	"encoding/json"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/confio/sponsor-gateway/internal/envelope"
)

// Group is a canonical unsigned atomic group. Its ID is stamped into every
// envelope and never changes after Assemble.
type Group struct {
	ID         types.Digest
	Kind       string
	Envelopes  []*envelope.Envelope
	Roles      map[envelope.Role][]int
	FeePayer   int
	InnerCount int
	Creates    []BoxCreate
	Params     envelope.SuggestedParams
}

// Assemble fills headers and fees for every slot of r and stamps the
// group-ID. The fee payer carries min_fee for every outer and declared
// inner transaction; every other member pays zero.
func Assemble(r Recipe, p envelope.SuggestedParams) (*Group, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	n := len(r.Slots)
	if n == 0 || n > MaxSize {
		return nil, fmt.Errorf("%s: group size %d outside 1..%d", r.Kind, n, MaxSize)
	}
	if r.FeePayer < 0 || r.FeePayer >= n {
		return nil, fmt.Errorf("%s: fee payer index %d out of range", r.Kind, r.FeePayer)
	}
	if r.InnerCount < 0 {
		return nil, fmt.Errorf("%s: negative inner count", r.Kind)
	}
	fee, overflow := math.SafeMul(p.MinFee, uint64(n+r.InnerCount))
	if overflow {
		return nil, fmt.Errorf("%s: fee overflow", r.Kind)
	}

	g := &Group{
		Kind:       r.Kind,
		Roles:      make(map[envelope.Role][]int),
		FeePayer:   r.FeePayer,
		InnerCount: r.InnerCount,
		Creates:    r.Creates,
		Params:     p,
	}
	for i, s := range r.Slots {
		if !s.Role.Valid() {
			return nil, fmt.Errorf("%s: slot %d has no signer role", r.Kind, i)
		}
		tx, err := s.txn()
		if err != nil {
			return nil, fmt.Errorf("%s: slot %d: %w", r.Kind, i, err)
		}
		p.Apply(&tx)
		if i == r.FeePayer {
			tx.Fee = types.MicroAlgos(fee)
		}
		g.Envelopes = append(g.Envelopes, &envelope.Envelope{Role: s.Role, Txn: tx})
		g.Roles[s.Role] = append(g.Roles[s.Role], i)
	}
	if err := g.checkBoxFunding(); err != nil {
		return nil, err
	}

	gid, err := envelope.StampGroup(g.Envelopes)
	if err != nil {
		return nil, err
	}
	g.ID = gid
	return g, nil
}

func (g *Group) checkBoxFunding() error {
	need := make(map[int]uint64)
	for _, c := range g.Creates {
		if c.FundedBy < 0 || c.FundedBy >= len(g.Envelopes) {
			return fmt.Errorf("%s: box %q funded by missing slot %d", g.Kind, c.Name, c.FundedBy)
		}
		if len(c.Name) == 0 || len(c.Name) > MaxBoxName {
			return fmt.Errorf("%s: box name length %d", g.Kind, len(c.Name))
		}
		sum, overflow := math.SafeAdd(need[c.FundedBy], c.MBR())
		if overflow {
			return fmt.Errorf("%s: box reserve overflow", g.Kind)
		}
		need[c.FundedBy] = sum
	}
	for idx, amt := range need {
		tx := g.Envelopes[idx].Txn
		if tx.Type != types.PaymentTx {
			return fmt.Errorf("%s: box reserve carried by %s slot %d", g.Kind, tx.Type, idx)
		}
		if uint64(tx.Amount) < amt {
			return fmt.Errorf("%s: slot %d pays %d, boxes need %d", g.Kind, idx, tx.Amount, amt)
		}
	}
	return nil
}

// Size is the number of outer transactions.
func (g *Group) Size() int { return len(g.Envelopes) }

// Indices returns the member positions owned by role.
func (g *Group) Indices(role envelope.Role) []int { return g.Roles[role] }

// ExternalSigners reports whether anyone but the sponsor must sign.
func (g *Group) ExternalSigners() bool {
	for role, idx := range g.Roles {
		if role != envelope.RoleSponsor && len(idx) > 0 {
			return true
		}
	}
	return false
}

// OuterFees sums the fee field over all members.
func (g *Group) OuterFees() uint64 {
	var sum uint64
	for _, e := range g.Envelopes {
		sum += uint64(e.Txn.Fee)
	}
	return sum
}

// RequiredFees is min_fee × (outer + declared inner).
func (g *Group) RequiredFees() uint64 {
	return g.Params.MinFee * uint64(len(g.Envelopes)+g.InnerCount)
}

// SponsorOutlay is what the group debits from sponsor: fees on every member
// it sends plus the amount of its payments.
func (g *Group) SponsorOutlay(sponsor types.Address) uint64 {
	var sum uint64
	for _, e := range g.Envelopes {
		if e.Txn.Sender != sponsor {
			continue
		}
		sum += uint64(e.Txn.Fee)
		if e.Txn.Type == types.PaymentTx {
			sum += uint64(e.Txn.Amount)
		}
	}
	return sum
}

// TxID is the id the node reports for the group: that of its first member.
func (g *Group) TxID() string { return g.Envelopes[0].TxID() }

// LastValid is the last round any member can confirm in.
func (g *Group) LastValid() uint64 { return g.Params.LastValid }

// Unsigned returns the members with empty signature slots.
func (g *Group) Unsigned() []types.SignedTxn {
	out := make([]types.SignedTxn, len(g.Envelopes))
	for i, e := range g.Envelopes {
		out[i] = envelope.Unsigned(e.Txn)
	}
	return out
}

// UnsignedB64 returns one base64 canonical transaction per member.
func (g *Group) UnsignedB64() []string {
	out := make([]string, len(g.Envelopes))
	for i, e := range g.Envelopes {
		out[i] = envelope.EncodeTxnB64(e.Txn)
	}
	return out
}

// ── persistence ───────────────────────────────────────────────────────────────

type storedGroup struct {
	Kind       string                   `json:"kind"`
	Txns       [][]byte                 `json:"txns"`
	Roles      []envelope.Role          `json:"roles"`
	FeePayer   int                      `json:"fee_payer"`
	InnerCount int                      `json:"inner_count"`
	Creates    []BoxCreate              `json:"creates,omitempty"`
	Params     envelope.SuggestedParams `json:"params"`
}

// Marshal serializes g for the record store.
func (g *Group) Marshal() ([]byte, error) {
	s := storedGroup{
		Kind:       g.Kind,
		FeePayer:   g.FeePayer,
		InnerCount: g.InnerCount,
		Creates:    g.Creates,
		Params:     g.Params,
	}
	for _, e := range g.Envelopes {
		s.Txns = append(s.Txns, e.Canonical())
		s.Roles = append(s.Roles, e.Role)
	}
	return json.Marshal(s)
}

// Unmarshal restores a group and checks its stamped ID still matches the
// members.
func Unmarshal(raw []byte) (*Group, error) {
	var s storedGroup
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal group: %w", err)
	}
	if len(s.Txns) == 0 || len(s.Txns) != len(s.Roles) {
		return nil, fmt.Errorf("unmarshal group: %d txns, %d roles", len(s.Txns), len(s.Roles))
	}
	g := &Group{
		Kind:       s.Kind,
		Roles:      make(map[envelope.Role][]int),
		FeePayer:   s.FeePayer,
		InnerCount: s.InnerCount,
		Creates:    s.Creates,
		Params:     s.Params,
	}
	for i, raw := range s.Txns {
		tx, err := envelope.DecodeTxn(raw)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		g.Envelopes = append(g.Envelopes, &envelope.Envelope{Role: s.Roles[i], Txn: tx})
		g.Roles[s.Roles[i]] = append(g.Roles[s.Roles[i]], i)
	}
	gid, err := envelope.ComputeGroupID(g.Envelopes)
	if err != nil {
		return nil, err
	}
	for i, e := range g.Envelopes {
		if e.Txn.Group != gid {
			return nil, fmt.Errorf("member %d: stored group id does not match members", i)
		}
	}
	g.ID = gid
	return g, nil
}
