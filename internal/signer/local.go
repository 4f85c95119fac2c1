package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

type localKey struct {
	sk   ed25519.PrivateKey
	addr types.Address
}

// newLocal accepts a 25-word mnemonic, hex (0x optional) or base64, holding
// either a 32-byte seed or a 64-byte seed||public key.
func newLocal(secret string) (*localKey, error) {
	secret = strings.TrimSpace(secret)
	var raw []byte
	switch {
	case len(strings.Fields(secret)) == 25:
		sk, err := mnemonic.ToPrivateKey(secret)
		if err != nil {
			return nil, apperr.Wrap(apperr.KeyMisconfigured, err, "sponsor mnemonic")
		}
		raw = sk
	case isHex(secret):
		b, err := hexutil.Decode("0x" + strings.TrimPrefix(secret, "0x"))
		if err != nil {
			return nil, apperr.Wrap(apperr.KeyMisconfigured, err, "sponsor hex secret")
		}
		raw = b
	default:
		b, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, apperr.Wrap(apperr.KeyMisconfigured, err, "sponsor secret is neither mnemonic, hex nor base64")
		}
		raw = b
	}
	return localFromBytes(raw)
}

func isHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 && len(s) != 128 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func localFromBytes(raw []byte) (*localKey, error) {
	var sk ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		sk = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		sk = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(sk, raw) {
			return nil, apperr.New(apperr.KeyMisconfigured, "sponsor key: public half does not match seed")
		}
	default:
		return nil, apperr.New(apperr.KeyMisconfigured, "sponsor key: %d bytes, want 32 or 64", len(raw))
	}
	k := &localKey{sk: sk}
	copy(k.addr[:], sk.Public().(ed25519.PublicKey))
	return k, nil
}

func (k *localKey) address() types.Address { return k.addr }

func (k *localKey) name() string { return "local" }

func (k *localKey) sign(_ context.Context, p payload) ([]byte, error) {
	return ed25519.Sign(k.sk, p), nil
}
