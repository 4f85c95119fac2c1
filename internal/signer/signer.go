// Package signer holds the sponsor key and signs sponsor-owned group members.
package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/metrics"
)

// payload is a transaction signing payload ("TX" || canonical txn). Backends
// only ever see values built by payloadOf.
type payload []byte

func payloadOf(env *envelope.Envelope) payload { return payload(env.BytesToSign()) }

type backend interface {
	address() types.Address
	sign(ctx context.Context, p payload) ([]byte, error)
	name() string
}

// Service is the sponsor's only signing capability.
type Service struct {
	b   backend
	log *zap.Logger

	mu  sync.Mutex
	seq uint64
}

// New picks the backend the config names: a local secret or a KMS key.
func New(ctx context.Context, cfg config.SponsorConfig, log *zap.Logger) (*Service, error) {
	var (
		b   backend
		err error
	)
	switch {
	case cfg.Secret != "" && cfg.KMSKeyID != "":
		return nil, apperr.New(apperr.KeyMisconfigured, "both a local secret and a KMS key are configured")
	case cfg.Secret != "":
		b, err = newLocal(cfg.Secret)
	case cfg.KMSKeyID != "":
		b, err = newKMS(ctx, cfg.KMSKeyID, cfg.KMSRegion)
	default:
		return nil, apperr.New(apperr.KeyMisconfigured, "no sponsor key configured")
	}
	if err != nil {
		return nil, err
	}
	return newService(b, log), nil
}

func newService(b backend, log *zap.Logger) *Service {
	log.Info("sponsor key loaded", zap.String("backend", b.name()), zap.String("address", b.address().String()))
	return &Service{b: b, log: log}
}

func (s *Service) Address() types.Address { return s.b.address() }

// Sequence is the number of signatures produced since startup.
func (s *Service) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Sign signs a sponsor-role envelope whose sender is the sponsor. The
// signature is verified before it is returned.
func (s *Service) Sign(ctx context.Context, env *envelope.Envelope) (types.SignedTxn, error) {
	if env.Role != envelope.RoleSponsor {
		return types.SignedTxn{}, apperr.New(apperr.Internal, "refusing to sign %s slot", env.Role)
	}
	if env.Txn.Sender != s.b.address() {
		return types.SignedTxn{}, apperr.New(apperr.Internal, "refusing to sign for sender %s", env.Txn.Sender)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sig, err := s.b.sign(ctx, payloadOf(env))
	if err != nil {
		return types.SignedTxn{}, err
	}
	stx, err := envelope.Attach(env.Txn, s.b.address(), sig)
	if err != nil {
		return types.SignedTxn{}, apperr.Wrap(apperr.KeyMisconfigured, err, s.b.name())
	}
	if !envelope.Verify(stx) {
		return types.SignedTxn{}, apperr.New(apperr.KeyMisconfigured, "%s produced a signature that does not verify", s.b.name())
	}
	s.seq++
	metrics.Signature()
	s.log.Debug("sponsor signed", zap.String("txid", env.TxID()), zap.Uint64("seq", s.seq))
	return stx, nil
}

// SignAll signs every sponsor slot of envs in place in out.
func (s *Service) SignAll(ctx context.Context, envs []*envelope.Envelope, out []types.SignedTxn) error {
	if len(envs) != len(out) {
		return fmt.Errorf("sign all: %d envelopes, %d slots", len(envs), len(out))
	}
	for i, env := range envs {
		if env.Role != envelope.RoleSponsor {
			continue
		}
		stx, err := s.Sign(ctx, env)
		if err != nil {
			return fmt.Errorf("sign slot %d: %w", i, err)
		}
		out[i] = stx
	}
	return nil
}
