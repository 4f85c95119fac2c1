// Package templates holds one group recipe per contract operation. Templates
// are pure: everything they need from the chain arrives in ChainReads.
package templates

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/intent"
)

// ── contract bindings ─────────────────────────────────────────────────────────

// Binding is the static configuration of one deployed contract.
type Binding struct {
	AppID uint64
	// Sponsored selects the shape where the sponsor funds fees and reserves.
	Sponsored bool
}

// Address is the contract's escrow account.
func (b Binding) Address() types.Address {
	return crypto.GetApplicationAddress(b.AppID)
}

// Deployment is every binding plus the shared accounts. Immutable after
// startup.
type Deployment struct {
	Sponsor      types.Address
	FeeRecipient types.Address
	Assets       map[string]uint64

	Payment Binding
	P2P     Binding
	Invite  Binding
	Payroll Binding
	Presale Binding
	Rewards Binding
}

// NewDeployment binds the contracts section of the config to sponsor.
func NewDeployment(c config.ContractsConfig, sponsor types.Address) (*Deployment, error) {
	fee, err := types.DecodeAddress(c.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("fee recipient: %w", err)
	}
	if sponsor.IsZero() {
		return nil, fmt.Errorf("sponsor address is zero")
	}
	return &Deployment{
		Sponsor:      sponsor,
		FeeRecipient: fee,
		Assets: map[string]uint64{
			intent.AssetCUSD:   c.CUSDAssetID,
			intent.AssetCONFIO: c.CONFIOAssetID,
		},
		Payment: Binding{AppID: c.PaymentAppID, Sponsored: true},
		P2P:     Binding{AppID: c.P2PAppID, Sponsored: c.P2PSponsored},
		Invite:  Binding{AppID: c.InviteAppID, Sponsored: c.InviteSponsored},
		Payroll: Binding{AppID: c.PayrollAppID, Sponsored: c.PayrollSponsored},
		Presale: Binding{AppID: c.PresaleAppID, Sponsored: true},
		Rewards: Binding{AppID: c.RewardsAppID, Sponsored: true},
	}, nil
}

// AssetID resolves an intent asset symbol.
func (d *Deployment) AssetID(symbol string) (uint64, error) {
	id, ok := d.Assets[symbol]
	if !ok || id == 0 {
		return 0, apperr.New(apperr.InvalidIntent, "asset %q is not configured", symbol)
	}
	return id, nil
}

func (d *Deployment) isAppAddress(a types.Address) bool {
	for _, b := range []Binding{d.Payment, d.P2P, d.Invite, d.Payroll, d.Presale, d.Rewards} {
		if b.AppID != 0 && b.Address() == a {
			return true
		}
	}
	return false
}

// checkRecipient rejects the zero address, the sender and any contract
// escrow as the destination of user funds.
func (d *Deployment) checkRecipient(field string, to, from types.Address) error {
	switch {
	case to.IsZero():
		return apperr.New(apperr.InvalidIntent, "%s is the zero address", field)
	case to == from:
		return apperr.New(apperr.InvalidIntent, "%s equals sender", field)
	case d.isAppAddress(to):
		return apperr.New(apperr.InvalidIntent, "%s is a contract address", field)
	}
	return nil
}

// payer returns who funds fees and reserves for b: the sponsor or fallback.
func (d *Deployment) payer(b Binding, fallback types.Address, fallbackRole envelope.Role) (types.Address, envelope.Role) {
	if b.Sponsored {
		return d.Sponsor, envelope.RoleSponsor
	}
	return fallback, fallbackRole
}

// bootstrap prefixes rec with sponsor-funded opt-ins for the assets user
// does not hold yet.
func bootstrap(rec group.Recipe, d *Deployment, r *ChainReads, user types.Address, role envelope.Role, assets ...uint64) group.Recipe {
	var missing []uint64
	for _, id := range assets {
		if !r.optedIn(user, id) {
			missing = append(missing, id)
		}
	}
	return group.WithBootstrap(rec, d.Sponsor, user, role, missing)
}

// ── chain reads ───────────────────────────────────────────────────────────────

type HoldingKey struct {
	Addr    types.Address
	AssetID uint64
}

type BoxKey struct {
	AppID uint64
	Name  string
}

// ReadPlan lists what a template needs fetched before Build.
type ReadPlan struct {
	Holdings []HoldingKey
	Boxes    []BoxKey
	Globals  []uint64
}

type Holding struct {
	OptedIn bool
	Balance uint64
}

// StateValue is one global-state entry.
type StateValue struct {
	Bytes []byte
	Uint  uint64
}

// ChainReads is the snapshot a template builds against. A box missing from
// Boxes does not exist on chain.
type ChainReads struct {
	Holdings map[HoldingKey]Holding
	Boxes    map[BoxKey][]byte
	Globals  map[uint64]map[string]StateValue
	// Now is unix seconds, compared with on-chain expiry timestamps.
	Now int64
}

// NewChainReads returns an empty snapshot at now.
func NewChainReads(now int64) *ChainReads {
	return &ChainReads{
		Holdings: make(map[HoldingKey]Holding),
		Boxes:    make(map[BoxKey][]byte),
		Globals:  make(map[uint64]map[string]StateValue),
		Now:      now,
	}
}

func (r *ChainReads) box(appID uint64, name []byte) ([]byte, bool) {
	v, ok := r.Boxes[BoxKey{AppID: appID, Name: string(name)}]
	return v, ok
}

func (r *ChainReads) optedIn(addr types.Address, assetID uint64) bool {
	return r.Holdings[HoldingKey{Addr: addr, AssetID: assetID}].OptedIn
}

func (r *ChainReads) global(appID uint64, key string) (StateValue, bool) {
	v, ok := r.Globals[appID][key]
	return v, ok
}

// ── templates ─────────────────────────────────────────────────────────────────

// Cost is a template's declared worst-case shape for one intent.
type Cost struct {
	Outer       int
	Inner       int
	SponsorFees bool
	// MBR is the reserve the sponsor pays, excluding opt-in bootstrap.
	MBR uint64
	// OptIns is the most asset opt-ins a bootstrap prefix may add.
	OptIns int
}

// Quote is the worst-case sponsor outlay for an intent.
type Quote struct {
	FeeCost    uint64 `json:"fee_cost"`
	MBRCost    uint64 `json:"mbr_cost"`
	InnerCount int    `json:"inner_count"`
	OuterCount int    `json:"outer_count"`
	Total      uint64 `json:"total"`
}

// Template is one contract operation.
type Template struct {
	Kind     intent.Kind
	Contract string

	Reads  func(in intent.Intent, d *Deployment) ReadPlan
	Cost   func(in intent.Intent, d *Deployment) Cost
	Recipe func(in intent.Intent, d *Deployment, r *ChainReads) (group.Recipe, error)
}

// Quote prices Cost at p's min fee.
func (t Template) Quote(in intent.Intent, p envelope.SuggestedParams, d *Deployment) (Quote, error) {
	c := t.Cost(in, d)
	q := Quote{OuterCount: c.Outer, InnerCount: c.Inner, MBRCost: c.MBR}
	if c.OptIns > 0 {
		q.OuterCount += 1 + c.OptIns
		q.MBRCost += group.AssetOptInMBR * uint64(c.OptIns)
	}
	if c.SponsorFees {
		fee, overflow := math.SafeMul(p.MinFee, uint64(q.OuterCount+q.InnerCount))
		if overflow {
			return Quote{}, fmt.Errorf("%s: fee overflow", t.Kind)
		}
		q.FeeCost = fee
	}
	total, overflow := math.SafeAdd(q.FeeCost, q.MBRCost)
	if overflow {
		return Quote{}, fmt.Errorf("%s: quote overflow", t.Kind)
	}
	q.Total = total
	return q, nil
}

// Build produces the canonical group for in.
func (t Template) Build(in intent.Intent, p envelope.SuggestedParams, d *Deployment, r *ChainReads) (*group.Group, error) {
	if in.Kind() != t.Kind {
		return nil, fmt.Errorf("template %s given %s intent", t.Kind, in.Kind())
	}
	rec, err := t.Recipe(in, d, r)
	if err != nil {
		return nil, err
	}
	rec.Kind = string(t.Kind)
	return group.Assemble(rec, p)
}

// Registry is the single table of templates.
type Registry struct {
	d      *Deployment
	byKind map[intent.Kind]Template
}

// NewRegistry binds every template to d.
func NewRegistry(d *Deployment) *Registry {
	r := &Registry{d: d, byKind: make(map[intent.Kind]Template)}
	for _, list := range [][]Template{
		paymentTemplates(), p2pTemplates(), inviteTemplates(),
		payrollTemplates(), presaleTemplates(), rewardTemplates(),
	} {
		for _, t := range list {
			r.byKind[t.Kind] = t
		}
	}
	return r
}

// Deployment returns the bound configuration.
func (r *Registry) Deployment() *Deployment { return r.d }

// Get returns the template for kind.
func (r *Registry) Get(kind intent.Kind) (Template, error) {
	t, ok := r.byKind[kind]
	if !ok {
		return Template{}, apperr.New(apperr.InvalidIntent, "no template for %q", kind)
	}
	return t, nil
}

func (r *Registry) Reads(in intent.Intent) (ReadPlan, error) {
	t, err := r.Get(in.Kind())
	if err != nil {
		return ReadPlan{}, err
	}
	return t.Reads(in, r.d), nil
}

func (r *Registry) Quote(in intent.Intent, p envelope.SuggestedParams) (Quote, error) {
	t, err := r.Get(in.Kind())
	if err != nil {
		return Quote{}, err
	}
	return t.Quote(in, p, r.d)
}

func (r *Registry) Build(in intent.Intent, p envelope.SuggestedParams, reads *ChainReads) (*group.Group, error) {
	t, err := r.Get(in.Kind())
	if err != nil {
		return nil, err
	}
	return t.Build(in, p, r.d, reads)
}
