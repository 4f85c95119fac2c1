package sponsor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reservationKeyPrefix = "stg:sponsor:reservation:"
	accountKeyFmt        = "stg:sponsor:account:%s"
)

// Reservation holds sponsor funds for one transaction record until it
// confirms, fails or expires.
type Reservation struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func reservationKey(id string) string { return reservationKeyPrefix + id }

func accountKey(addr string) string { return fmt.Sprintf(accountKeyFmt, addr) }

// journal persists reservations and account stats so admission state
// survives a restart.
type journal struct {
	rdb  *redis.Client
	addr string
}

func (j *journal) saveReservation(ctx context.Context, r *Reservation) error {
	key := reservationKey(r.ID)
	pipe := j.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"id", r.ID,
		"record_id", r.RecordID,
		"amount", r.Amount,
		"created_at", r.CreatedAt.Unix(),
		"expires_at", r.ExpiresAt.Unix(),
	)
	// keep the hash a little past its own expiry so recovery can still see it
	pipe.ExpireAt(ctx, key, r.ExpiresAt.Add(time.Hour))
	_, err := pipe.Exec(ctx)
	return err
}

func (j *journal) deleteReservation(ctx context.Context, id string) error {
	return j.rdb.Del(ctx, reservationKey(id)).Err()
}

func (j *journal) scanReservations(ctx context.Context) ([]Reservation, error) {
	var out []Reservation
	var cursor uint64
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, reservationKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan reservations: %w", err)
		}
		for _, key := range keys {
			vals, err := j.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			out = append(out, reservationFromMap(vals))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func reservationFromMap(m map[string]string) Reservation {
	amount, _ := strconv.ParseUint(m["amount"], 10, 64)
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	return Reservation{
		ID:        m["id"],
		RecordID:  m["record_id"],
		Amount:    amount,
		CreatedAt: time.Unix(created, 0),
		ExpiresAt: time.Unix(expires, 0),
	}
}

// accountStats is the persisted part of the sponsor account model.
type accountStats struct {
	Balance     uint64
	AsOfRound   uint64
	TotalSpent  uint64
	TxCount     uint64
	Drift       bool
	DriftReason string
}

func (j *journal) saveAccount(ctx context.Context, s accountStats) error {
	drift := 0
	if s.Drift {
		drift = 1
	}
	return j.rdb.HSet(ctx, accountKey(j.addr),
		"confirmed_balance", s.Balance,
		"balance_as_of_round", s.AsOfRound,
		"total_spent", s.TotalSpent,
		"tx_count", s.TxCount,
		"drift", drift,
		"drift_reason", s.DriftReason,
	).Err()
}

// loadAccount returns nil when nothing was saved yet.
func (j *journal) loadAccount(ctx context.Context) (*accountStats, error) {
	m, err := j.rdb.HGetAll(ctx, accountKey(j.addr)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	s := &accountStats{DriftReason: m["drift_reason"], Drift: m["drift"] == "1"}
	s.Balance, _ = strconv.ParseUint(m["confirmed_balance"], 10, 64)
	s.AsOfRound, _ = strconv.ParseUint(m["balance_as_of_round"], 10, 64)
	s.TotalSpent, _ = strconv.ParseUint(m["total_spent"], 10, 64)
	s.TxCount, _ = strconv.ParseUint(m["tx_count"], 10, 64)
	return s, nil
}
