package envelope

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// MaxSignedGroupBytes bounds what a client may hand back.
const MaxSignedGroupBytes = 256 << 10

// EncodeSigned concatenates the canonical encodings of stxns, the raw
// layout the node's submit endpoint expects.
func EncodeSigned(stxns []types.SignedTxn) []byte {
	var buf bytes.Buffer
	for _, stx := range stxns {
		buf.Write(msgpack.Encode(stx))
	}
	return buf.Bytes()
}

// EncodeSignedB64 is EncodeSigned in standard base64.
func EncodeSignedB64(stxns []types.SignedTxn) string {
	return base64.StdEncoding.EncodeToString(EncodeSigned(stxns))
}

// DecodeSigned splits a concatenation of signed transactions.
func DecodeSigned(raw []byte) ([]types.SignedTxn, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty signed group")
	}
	if len(raw) > MaxSignedGroupBytes {
		return nil, fmt.Errorf("signed group too large: %d bytes", len(raw))
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	var out []types.SignedTxn
	for {
		var stx types.SignedTxn
		err := dec.Decode(&stx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode signed txn %d: %w", len(out), err)
		}
		out = append(out, stx)
	}
	return out, nil
}

// DecodeSignedB64 decodes one base64 blob holding the whole group.
func DecodeSignedB64(s string) ([]types.SignedTxn, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return DecodeSigned(raw)
}

// DecodeMembersB64 decodes a list where each entry is exactly one signed
// transaction.
func DecodeMembersB64(members []string) ([]types.SignedTxn, error) {
	out := make([]types.SignedTxn, 0, len(members))
	for i, m := range members {
		raw, err := base64.StdEncoding.DecodeString(m)
		if err != nil {
			return nil, fmt.Errorf("member %d: decode base64: %w", i, err)
		}
		stxns, err := DecodeSigned(raw)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		if len(stxns) != 1 {
			return nil, fmt.Errorf("member %d: holds %d transactions", i, len(stxns))
		}
		out = append(out, stxns[0])
	}
	return out, nil
}

// EncodeTxnB64 encodes one unsigned transaction for the client.
func EncodeTxnB64(tx types.Transaction) string {
	return base64.StdEncoding.EncodeToString(msgpack.Encode(tx))
}

// DecodeTxn decodes one canonical unsigned transaction.
func DecodeTxn(raw []byte) (types.Transaction, error) {
	var tx types.Transaction
	if err := msgpack.Decode(raw, &tx); err != nil {
		return types.Transaction{}, fmt.Errorf("decode txn: %w", err)
	}
	return tx, nil
}
