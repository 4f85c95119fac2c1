package sponsor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/metrics"
)

// spend is a committed outlay the last balance read may not include yet.
type spend struct {
	round  uint64
	amount uint64
}

// Refresh reads the chain balance and reconciles it with the local model.
// A shortfall beyond live reservations plus the drift tolerance sets the
// drift flag, which blocks admission until ClearDrift.
func (a *Accounting) Refresh(ctx context.Context) error {
	acct, err := a.balance.AccountBalance(ctx, a.addr)
	if err != nil {
		return fmt.Errorf("refresh sponsor balance: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.observed && acct.Round < a.stats.AsOfRound {
		a.log.Debug("sponsor: stale balance read ignored", zap.Uint64("round", acct.Round),
			zap.Uint64("as_of", a.stats.AsOfRound))
		return nil
	}

	var inFlight uint64
	kept := a.unreconciled[:0]
	for _, s := range a.unreconciled {
		if s.round > acct.Round {
			inFlight += s.amount
			kept = append(kept, s)
		}
	}
	a.unreconciled = kept

	observed := acct.Amount
	if inFlight > observed {
		observed = 0
	} else {
		observed -= inFlight
	}

	if a.observed && a.stats.Balance > observed {
		shortfall := a.stats.Balance - observed
		if allowed := a.reserved + a.cfg.DriftTolerance; shortfall > allowed && !a.stats.Drift {
			a.stats.Drift = true
			a.stats.DriftReason = fmt.Sprintf("chain balance %d at round %d is %d below local model %d",
				acct.Amount, acct.Round, shortfall, a.stats.Balance)
			a.log.Error("sponsor: account drift", zap.Uint64("chain", acct.Amount),
				zap.Uint64("local", a.stats.Balance), zap.Uint64("shortfall", shortfall),
				zap.Uint64("reserved", a.reserved), zap.Uint64("round", acct.Round))
		}
	}

	a.stats.Balance = observed
	a.stats.AsOfRound = acct.Round
	a.observed = true
	metrics.SponsorBalance(observed)
	if observed < a.cfg.WarningThreshold {
		a.log.Warn("sponsor: balance below warning threshold", zap.Uint64("balance", observed),
			zap.Uint64("threshold", a.cfg.WarningThreshold))
	}
	return a.j.saveAccount(ctx, a.stats)
}

// Recover replays the journal: account stats and live reservations. The
// balance stays unobserved until the next Refresh.
func (a *Accounting) Recover(ctx context.Context) ([]Reservation, error) {
	stats, err := a.j.loadAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sponsor account: %w", err)
	}
	res, err := a.j.scanReservations(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if stats != nil {
		a.stats = *stats
	}
	for i := range res {
		r := res[i]
		if _, dup := a.byRecord[r.RecordID]; dup {
			continue
		}
		a.addLocked(&r)
	}
	a.log.Info("sponsor: journal replayed", zap.Int("reservations", len(a.reservations)),
		zap.Uint64("reserved", a.reserved), zap.Bool("drift", a.stats.Drift))
	return a.reservationsLocked(), nil
}

// RunRefresher re-reads the balance and sweeps expired reservations until
// ctx is done.
func (a *Accounting) RunRefresher(ctx context.Context) {
	interval := a.cfg.RefreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.log.Info("sponsor refresher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			a.log.Info("sponsor refresher stopped")
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				a.log.Error("refresher: balance", zap.Error(err))
			}
			a.SweepExpired(ctx)
		}
	}
}
