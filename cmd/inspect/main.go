// cmd/inspect decodes a base64 signed group and prints its members. With
// --tx it loads the stored record and checks the group against the one the
// gateway built, exactly as the signature endpoint would.
//
// Usage examples:
//
//	# decode only
//	go run ./cmd/inspect/ --group <base64>
//
//	# print a stored record and its reservation
//	go run ./cmd/inspect/ --tx 6f1c...
//
//	# check a wallet's signed group against the record
//	go run ./cmd/inspect/ --tx 6f1c... --group <base64>
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/store"
	"github.com/confio/sponsor-gateway/internal/validator"
)

func main() {
	blob := flag.String("group", "", "base64 concatenated signed group")
	members := flag.String("members", "", "comma-separated base64 signed members")
	txID := flag.String("tx", "", "transaction record id to load from the store")
	flag.Parse()

	if *blob == "" && *members == "" && *txID == "" {
		fmt.Fprintln(os.Stderr, "error: one of --group, --members or --tx is required")
		os.Exit(1)
	}

	var (
		stxns []types.SignedTxn
		err   error
	)
	switch {
	case *blob != "":
		stxns, err = envelope.DecodeSignedB64(*blob)
	case *members != "":
		stxns, err = envelope.DecodeMembersB64(strings.Split(*members, ","))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		os.Exit(1)
	}

	var built *group.Group
	if *txID != "" {
		rec, err := loadRecord(*txID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load record: %v\n", err)
			os.Exit(1)
		}
		printRecord(os.Stdout, rec)
		if len(rec.Group) > 0 {
			if built, err = group.Unmarshal(rec.Group); err != nil {
				fmt.Fprintf(os.Stderr, "stored group: %v\n", err)
				os.Exit(1)
			}
		}
	}

	if stxns == nil {
		return
	}
	fmt.Println()
	describe(os.Stdout, stxns, built)

	if built != nil {
		if err := check(built, stxns); err != nil {
			fmt.Fprintf(os.Stderr, "\n✗ %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n✓ group matches record and every client signature verifies\n")
	}
}

func loadRecord(id string) (*store.Record, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	st, err := store.Open(ctx, cfg.Store, rdb, zap.NewNop())
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Get(ctx, id)
}

func printRecord(w io.Writer, rec *store.Record) {
	fmt.Fprintf(w, "Record        : %s\n", rec.ID)
	fmt.Fprintf(w, "Kind          : %s\n", rec.IntentKind)
	fmt.Fprintf(w, "State         : %s\n", rec.State)
	fmt.Fprintf(w, "Key           : %s\n", rec.IdempotencyKey)
	if rec.GroupID != "" {
		fmt.Fprintf(w, "Group id      : %s\n", rec.GroupID)
		fmt.Fprintf(w, "Tx id         : %s\n", rec.TxID)
		fmt.Fprintf(w, "Window        : expires %d, last valid %d\n", rec.ExpiresRound, rec.LastValid)
	}
	if rec.ReservationID != "" {
		fmt.Fprintf(w, "Reservation   : %s (%d µALGO quoted)\n", rec.ReservationID, rec.QuoteTotal)
	}
	if rec.ConfirmedRound > 0 {
		fmt.Fprintf(w, "Confirmed     : round %d, sponsor spent %d µALGO\n", rec.ConfirmedRound, rec.SponsorSpend)
	}
	if rec.ErrorKind != "" || rec.ErrorReason != "" {
		fmt.Fprintf(w, "Error         : [%s] %s\n", rec.ErrorKind, rec.ErrorReason)
		for _, l := range rec.ErrorLogs {
			fmt.Fprintf(w, "                %s\n", l)
		}
	}
	var pretty map[string]any
	if json.Unmarshal(rec.Intent, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "                ", "  ")
		fmt.Fprintf(w, "Intent        : %s\n", out)
	}
}

// describe prints one line per member. Roles come from built when known.
func describe(w io.Writer, stxns []types.SignedTxn, built *group.Group) {
	var fees uint64
	for i, stx := range stxns {
		tx := stx.Txn
		fees += uint64(tx.Fee)

		role := "?"
		if built != nil && i < built.Size() {
			role = string(built.Envelopes[i].Role)
		}
		sig := "unsigned"
		switch {
		case !stx.Msig.Blank():
			sig = "multisig"
		case !stx.Lsig.Blank():
			sig = "logicsig"
		case !envelope.IsUnsigned(stx) && envelope.Verify(stx):
			sig = "signed ✓"
		case !envelope.IsUnsigned(stx):
			sig = "signed ✗"
		}

		fmt.Fprintf(w, "[%d] %-5s %-8s %-9s fee=%-6d from=%s %s\n", i, tx.Type, role, sig, tx.Fee, tx.Sender, detail(tx))
		fmt.Fprintf(w, "     txid=%s\n", crypto.TransactionIDString(tx))
	}
	if len(stxns) > 0 {
		fmt.Fprintf(w, "group=%s pooled fees=%d rounds=[%d,%d]\n",
			base64.StdEncoding.EncodeToString(stxns[0].Txn.Group[:]), fees, stxns[0].Txn.FirstValid, stxns[0].Txn.LastValid)
	}
}

func detail(tx types.Transaction) string {
	switch tx.Type {
	case types.PaymentTx:
		return fmt.Sprintf("to=%s amount=%d", tx.Receiver, tx.Amount)
	case types.AssetTransferTx:
		if tx.AssetAmount == 0 && tx.Sender == tx.AssetReceiver {
			return fmt.Sprintf("opt-in asset=%d", tx.XferAsset)
		}
		return fmt.Sprintf("to=%s asset=%d amount=%d", tx.AssetReceiver, tx.XferAsset, tx.AssetAmount)
	case types.ApplicationCallTx:
		sel := ""
		if len(tx.ApplicationArgs) > 0 {
			sel = fmt.Sprintf(" selector=%x", tx.ApplicationArgs[0])
		}
		return fmt.Sprintf("app=%d%s boxes=%d", tx.ApplicationID, sel, len(tx.BoxReferences))
	default:
		return ""
	}
}

// check runs the signature endpoint's validation without touching the record.
// It has no chain access, so a rekeyed member is reported as tampered.
func check(built *group.Group, stxns []types.SignedTxn) error {
	_, err := validator.Validate(built, stxns, nil)
	return err
}
