// Package sponsor gates intent admission on the sponsor's ALGO balance and
// tracks what the sponsor spends.
package sponsor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/chain"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/intent"
	"github.com/confio/sponsor-gateway/internal/metrics"
	"github.com/confio/sponsor-gateway/internal/templates"
)

// Quoter prices an intent's worst-case sponsor outlay.
type Quoter interface {
	Quote(ctx context.Context, in intent.Intent) (templates.Quote, error)
}

// ParamsSource supplies the fee parameters quotes are priced at.
type ParamsSource interface {
	SuggestedParams(ctx context.Context) (envelope.SuggestedParams, error)
}

// BalanceSource reads the sponsor's on-chain balance.
type BalanceSource interface {
	AccountBalance(ctx context.Context, addr types.Address) (chain.Account, error)
}

type registryQuoter struct {
	reg    *templates.Registry
	params ParamsSource
}

// NewQuoter prices quotes with reg at the node's current min fee.
func NewQuoter(reg *templates.Registry, params ParamsSource) Quoter {
	return &registryQuoter{reg: reg, params: params}
}

func (q *registryQuoter) Quote(ctx context.Context, in intent.Intent) (templates.Quote, error) {
	p, err := q.params.SuggestedParams(ctx)
	if err != nil {
		return templates.Quote{}, err
	}
	return q.reg.Quote(in, p)
}

// Health is the thresholded view of the sponsor account.
type Health struct {
	Address     string `json:"address"`
	Healthy     bool   `json:"healthy"`
	Warning     bool   `json:"warning"`
	Balance     uint64 `json:"balance"`
	Reserved    uint64 `json:"reserved"`
	Headroom    uint64 `json:"headroom"`
	CanSponsor  bool   `json:"can_sponsor"`
	Drift       bool   `json:"drift"`
	DriftReason string `json:"drift_reason,omitempty"`
	AsOfRound   uint64 `json:"as_of_round"`
	TotalSpent  uint64 `json:"total_spent"`
	TxCount     uint64 `json:"tx_count"`
	Live        int    `json:"live_reservations"`
}

// Accounting is the single serialisation point for sponsor funds.
type Accounting struct {
	cfg     config.SponsorConfig
	ttl     time.Duration
	addr    types.Address
	quoter  Quoter
	balance BalanceSource
	j       *journal
	log     *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	observed     bool
	stats        accountStats
	reservations map[string]*Reservation
	byRecord     map[string]string
	reserved     uint64
	unreconciled []spend
}

func New(
	cfg *config.Config,
	addr types.Address,
	quoter Quoter,
	balance BalanceSource,
	rdb *redis.Client,
	log *zap.Logger,
) *Accounting {
	return &Accounting{
		cfg:          cfg.Sponsor,
		ttl:          cfg.Timing.ReservationTTL(),
		addr:         addr,
		quoter:       quoter,
		balance:      balance,
		j:            &journal{rdb: rdb, addr: addr.String()},
		log:          log,
		now:          time.Now,
		reservations: make(map[string]*Reservation),
		byRecord:     make(map[string]string),
	}
}

func (a *Accounting) Address() types.Address { return a.addr }

// Quote returns the worst-case outlay for in.
func (a *Accounting) Quote(ctx context.Context, in intent.Intent) (templates.Quote, error) {
	return a.quoter.Quote(ctx, in)
}

// Reserve quotes in and holds that amount for recordID. A record holds at
// most one reservation; asking again returns the existing one.
func (a *Accounting) Reserve(ctx context.Context, recordID string, in intent.Intent) (*Reservation, templates.Quote, error) {
	q, err := a.quoter.Quote(ctx, in)
	if err != nil {
		return nil, templates.Quote{}, err
	}
	r, err := a.ReserveAmount(ctx, recordID, q.Total)
	return r, q, err
}

// ReserveAmount admits amount against the headroom
// balance − min_operating_balance − live reservations.
func (a *Accounting) ReserveAmount(ctx context.Context, recordID string, amount uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byRecord[recordID]; ok {
		r := *a.reservations[id]
		return &r, nil
	}
	switch {
	case a.stats.Drift:
		return nil, apperr.New(apperr.SponsorAccountDrift, "admission blocked: %s", a.stats.DriftReason)
	case !a.observed:
		return nil, apperr.New(apperr.SponsorUnavailable, "sponsor balance not yet observed")
	case a.cfg.PerTxCap > 0 && amount > a.cfg.PerTxCap:
		return nil, apperr.New(apperr.SponsorUnavailable, "quote %d exceeds per-transaction cap %d", amount, a.cfg.PerTxCap)
	}
	if head := a.headroomLocked(); head < amount {
		return nil, apperr.New(apperr.SponsorUnavailable, "insufficient sponsor headroom: have %d, need %d", head, amount)
	}

	now := a.now()
	r := &Reservation{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.j.saveReservation(ctx, r); err != nil {
		return nil, apperr.Wrap(apperr.SponsorUnavailable, err, "journal reservation")
	}
	a.addLocked(r)
	a.log.Debug("sponsor: reserved", zap.String("record", recordID), zap.Uint64("amount", amount),
		zap.Uint64("reserved", a.reserved))
	out := *r
	return &out, nil
}

// Commit settles a confirmed transaction. The spend is deducted only when
// the confirmation is newer than the last observed balance.
func (a *Accounting) Commit(ctx context.Context, reservationID string, actual, confirmedRound uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(reservationID)
	if confirmedRound > a.stats.AsOfRound {
		if actual > a.stats.Balance {
			a.stats.Balance = 0
		} else {
			a.stats.Balance -= actual
		}
		a.unreconciled = append(a.unreconciled, spend{round: confirmedRound, amount: actual})
	}
	a.stats.TotalSpent, _ = math.SafeAdd(a.stats.TotalSpent, actual)
	a.stats.TxCount++
	metrics.SponsorBalance(a.stats.Balance)

	if err := a.j.deleteReservation(ctx, reservationID); err != nil {
		a.log.Warn("sponsor: journal delete", zap.String("reservation", reservationID), zap.Error(err))
	}
	return a.j.saveAccount(ctx, a.stats)
}

// Release drops a reservation without touching the balance. Unknown ids are
// ignored so callers can release unconditionally.
func (a *Accounting) Release(ctx context.Context, reservationID string) error {
	a.mu.Lock()
	a.removeLocked(reservationID)
	a.mu.Unlock()
	return a.j.deleteReservation(ctx, reservationID)
}

// SweepExpired releases reservations whose TTL passed and returns them.
func (a *Accounting) SweepExpired(ctx context.Context) []Reservation {
	now := a.now()
	a.mu.Lock()
	var expired []Reservation
	for _, r := range a.reservations {
		if now.After(r.ExpiresAt) {
			expired = append(expired, *r)
		}
	}
	for _, r := range expired {
		a.removeLocked(r.ID)
	}
	a.mu.Unlock()

	for _, r := range expired {
		if err := a.j.deleteReservation(ctx, r.ID); err != nil {
			a.log.Warn("sponsor: journal delete", zap.String("reservation", r.ID), zap.Error(err))
		}
		a.log.Info("sponsor: reservation expired", zap.String("record", r.RecordID), zap.Uint64("amount", r.Amount))
	}
	return expired
}

// Reservations lists the live reservations ordered by creation.
func (a *Accounting) Reservations() []Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservationsLocked()
}

func (a *Accounting) reservationsLocked() []Reservation {
	out := make([]Reservation, 0, len(a.reservations))
	for _, r := range a.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (a *Accounting) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Health{
		Address:     a.addr.String(),
		Balance:     a.stats.Balance,
		Reserved:    a.reserved,
		Headroom:    a.headroomLocked(),
		Drift:       a.stats.Drift,
		DriftReason: a.stats.DriftReason,
		AsOfRound:   a.stats.AsOfRound,
		TotalSpent:  a.stats.TotalSpent,
		TxCount:     a.stats.TxCount,
		Live:        len(a.reservations),
	}
	h.Healthy = a.observed && a.stats.Balance > a.cfg.MinOperatingBalance
	h.Warning = a.stats.Balance < a.cfg.WarningThreshold
	h.CanSponsor = h.Healthy && !h.Drift && h.Headroom > 0
	return h
}

// ClearDrift lifts the admission block after an operator has reconciled the
// account.
func (a *Accounting) ClearDrift(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stats.Drift {
		a.log.Warn("sponsor: drift cleared by operator", zap.String("reason", a.stats.DriftReason))
	}
	a.stats.Drift = false
	a.stats.DriftReason = ""
	return a.j.saveAccount(ctx, a.stats)
}

// ── internals ─────────────────────────────────────────────────────────────────

func (a *Accounting) headroomLocked() uint64 {
	floor, overflow := math.SafeAdd(a.cfg.MinOperatingBalance, a.reserved)
	if overflow || floor >= a.stats.Balance {
		return 0
	}
	return a.stats.Balance - floor
}

func (a *Accounting) addLocked(r *Reservation) {
	a.reservations[r.ID] = r
	a.byRecord[r.RecordID] = r.ID
	a.reserved += r.Amount
	metrics.SponsorReserved(a.reserved)
}

func (a *Accounting) removeLocked(id string) {
	r, ok := a.reservations[id]
	if !ok {
		return
	}
	delete(a.reservations, id)
	delete(a.byRecord, r.RecordID)
	a.reserved -= r.Amount
	metrics.SponsorReserved(a.reserved)
}
