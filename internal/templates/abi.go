package templates

import (
	"encoding/binary"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Method signatures of the deployed contracts.
const (
	sigPayWithCUSD    = "pay_with_cusd(account,account,string)void"
	sigPayWithCONFIO  = "pay_with_confio(account,account,string)void"
	sigCreateTrade    = "create_trade(string,uint64,string)void"
	sigAcceptTrade    = "accept_trade(string)void"
	sigConfirmPayment = "confirm_payment_received(string)void"
	sigCancelTrade    = "cancel_trade(string)void"
	sigOpenDispute    = "open_dispute(string,byte[32])void"
	sigResolveDispute = "resolve_dispute(string,account)void"
	sigCreateInvite   = "create_invitation(string,uint64)void"
	sigClaimInvite    = "claim_invitation(string)void"
	sigReclaimInvite  = "reclaim_invitation(string)void"
	sigPayout         = "payout(uint64,string)void"
	sigFundVault      = "fund_vault(uint64)void"
	sigWithdrawVault  = "withdraw_vault(uint64)void"
	sigPresaleClaim   = "claim_for(account)void"
	sigClaimReward    = "claim_reward(account)void"
	sigMarkEligible   = "mark_eligible(address,uint64)void"
)

var selectors = map[string][]byte{}

func init() {
	for _, sig := range []string{
		sigPayWithCUSD, sigPayWithCONFIO, sigCreateTrade, sigAcceptTrade,
		sigConfirmPayment, sigCancelTrade, sigOpenDispute, sigResolveDispute,
		sigCreateInvite, sigClaimInvite, sigReclaimInvite, sigPayout,
		sigFundVault, sigWithdrawVault, sigPresaleClaim, sigClaimReward,
		sigMarkEligible,
	} {
		m, err := abi.MethodFromSignature(sig)
		if err != nil {
			panic(fmt.Sprintf("templates: bad method %q: %v", sig, err))
		}
		selectors[sig] = m.GetSelector()
	}
}

// Selector returns the 4-byte ABI selector of a contract method signature.
func Selector(sig string) []byte {
	return selectors[sig]
}

var (
	abiString = mustType("string")
	abiUint64 = mustType("uint64")
)

func mustType(s string) abi.Type {
	t, err := abi.TypeOf(s)
	if err != nil {
		panic(err)
	}
	return t
}

// call starts an argument list with sig's selector.
func call(sig string, args ...[]byte) [][]byte {
	return append([][]byte{Selector(sig)}, args...)
}

func argString(s string) []byte {
	b, err := abiString.Encode(s)
	if err != nil {
		// Only reachable for strings over 64KiB; intents cap ids and notes well below.
		panic(err)
	}
	return b
}

func argUint64(v uint64) []byte {
	b, err := abiUint64.Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// argAccount is a reference into the transaction's accounts array; 0 is
// the sender, 1 the first foreign account.
func argAccount(i int) []byte { return []byte{byte(i)} }

// Static byte arrays and addresses encode as their raw bytes.
func argBytes32(b [32]byte) []byte { return b[:] }

func argAddress(a types.Address) []byte { return a[:] }

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
