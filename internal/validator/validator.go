// Package validator re-checks a client-returned group against the group
// the gateway built. It is the last gate before the sponsor signs.
package validator

import (
	"bytes"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
)

// Authorizers maps a rekeyed sender to its on-chain auth address. Senders
// absent from the map must sign with their own key.
type Authorizers map[types.Address]types.Address

// Validate returns a SignedGroup holding the client's signatures and empty
// sponsor slots. Every failure is ClientTampered.
func Validate(g *group.Group, returned []types.SignedTxn, auth Authorizers) (*group.SignedGroup, error) {
	if len(returned) != g.Size() {
		return nil, tampered("returned %d members, built %d", len(returned), g.Size())
	}

	sg := group.NewSigned(g)
	for i, stx := range returned {
		orig := g.Envelopes[i]

		if stx.Txn.Group != g.ID {
			return nil, tampered("member %d: group id mismatch", i)
		}
		got := (&envelope.Envelope{Txn: stx.Txn}).Canonical()
		if !bytes.Equal(got, orig.Canonical()) {
			return nil, tampered("member %d: transaction bytes differ from the built group", i)
		}
		if !stx.Msig.Blank() || !stx.Lsig.Blank() {
			return nil, tampered("member %d: multisig and logicsig are not accepted", i)
		}

		if orig.Role == envelope.RoleSponsor {
			if !envelope.IsUnsigned(stx) || !stx.AuthAddr.IsZero() {
				return nil, tampered("member %d: sponsor slot must come back unsigned", i)
			}
			continue
		}

		if envelope.IsUnsigned(stx) {
			return nil, tampered("member %d: missing %s signature", i, orig.Role)
		}
		if want := auth[stx.Txn.Sender]; stx.AuthAddr != want {
			if want.IsZero() {
				return nil, tampered("member %d: signed by %s, sender %s is not rekeyed", i, stx.AuthAddr, stx.Txn.Sender)
			}
			return nil, tampered("member %d: signed by %s, sender %s is authorized by %s", i, authorOf(stx), stx.Txn.Sender, want)
		}
		if !envelope.Verify(stx) {
			return nil, tampered("member %d: signature does not verify", i)
		}
		sg.Txns[i] = stx
	}
	return sg, nil
}

func authorOf(stx types.SignedTxn) types.Address {
	if stx.AuthAddr.IsZero() {
		return stx.Txn.Sender
	}
	return stx.AuthAddr
}

func tampered(format string, args ...any) error {
	return apperr.New(apperr.ClientTampered, format, args...)
}
