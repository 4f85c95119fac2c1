// Package envelope holds the byte-level view of a transaction group: the
// canonical encoding, the signing payload, group-ID stamping and the
// base64/msgpack codecs used on the client hand-off boundary.
package envelope

import (
	"crypto/ed25519"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Role names who is expected to authorize a group member.
type Role string

const (
	RoleSponsor  Role = "sponsor"
	RoleUser     Role = "user"
	RoleDelegate Role = "delegate"
	RoleBusiness Role = "business"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSponsor, RoleUser, RoleDelegate, RoleBusiness:
		return true
	}
	return false
}

// txSignPrefix is the domain separator prepended to every transaction
// before it is signed.
var txSignPrefix = []byte("TX")

// Envelope is one unsigned member of a group together with its signer role.
type Envelope struct {
	Role Role
	Txn  types.Transaction
}

// Canonical returns the canonical msgpack encoding of the transaction.
func (e *Envelope) Canonical() []byte {
	return msgpack.Encode(e.Txn)
}

// BytesToSign returns "TX" || canonical(txn).
func (e *Envelope) BytesToSign() []byte {
	return BytesToSign(e.Txn)
}

// TxID returns the base32 transaction id.
func (e *Envelope) TxID() string {
	return crypto.GetTxID(e.Txn)
}

// BytesToSign returns the payload an ed25519 key signs for tx.
func BytesToSign(tx types.Transaction) []byte {
	enc := msgpack.Encode(tx)
	out := make([]byte, 0, len(txSignPrefix)+len(enc))
	out = append(out, txSignPrefix...)
	return append(out, enc...)
}

// ComputeGroupID hashes the members with their group field zeroed.
func ComputeGroupID(envs []*Envelope) (types.Digest, error) {
	txns := make([]types.Transaction, len(envs))
	for i, e := range envs {
		tx := e.Txn
		tx.Group = types.Digest{}
		txns[i] = tx
	}
	gid, err := crypto.ComputeGroupID(txns)
	if err != nil {
		return types.Digest{}, fmt.Errorf("compute group id: %w", err)
	}
	return gid, nil
}

// StampGroup computes the group-ID and writes it into every member.
func StampGroup(envs []*Envelope) (types.Digest, error) {
	gid, err := ComputeGroupID(envs)
	if err != nil {
		return types.Digest{}, err
	}
	for _, e := range envs {
		e.Txn.Group = gid
	}
	return gid, nil
}

// Sign produces a single-signature SignedTxn for tx. A key that does not
// belong to the sender is recorded as the authorizing address.
func Sign(tx types.Transaction, sk ed25519.PrivateKey) types.SignedTxn {
	sig := ed25519.Sign(sk, BytesToSign(tx))
	stx, _ := Attach(tx, publicAddress(sk), sig)
	return stx
}

// Attach pairs tx with a raw 64-byte signature produced by signer.
func Attach(tx types.Transaction, signer types.Address, sig []byte) (types.SignedTxn, error) {
	if len(sig) != ed25519.SignatureSize {
		return types.SignedTxn{}, fmt.Errorf("signature length %d, want %d", len(sig), ed25519.SignatureSize)
	}
	stx := types.SignedTxn{Txn: tx}
	copy(stx.Sig[:], sig)
	if signer != tx.Sender {
		stx.AuthAddr = signer
	}
	return stx, nil
}

// Unsigned wraps tx in an empty signature slot.
func Unsigned(tx types.Transaction) types.SignedTxn {
	return types.SignedTxn{Txn: tx}
}

// IsUnsigned reports whether no signature of any form is attached.
func IsUnsigned(stx types.SignedTxn) bool {
	return stx.Sig == (types.Signature{}) && stx.Msig.Blank() && stx.Lsig.Blank()
}

// Verify checks the single signature on stx against its authorizer.
func Verify(stx types.SignedTxn) bool {
	signer := stx.Txn.Sender
	if !stx.AuthAddr.IsZero() {
		signer = stx.AuthAddr
	}
	return ed25519.Verify(ed25519.PublicKey(signer[:]), BytesToSign(stx.Txn), stx.Sig[:])
}

func publicAddress(sk ed25519.PrivateKey) types.Address {
	var a types.Address
	copy(a[:], sk.Public().(ed25519.PublicKey))
	return a
}
