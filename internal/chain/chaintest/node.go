// Package chaintest runs an in-memory algod REST endpoint for tests. It
// checks signatures, group ids, validity windows and balances, and applies
// payments, asset transfers and opt-ins. App calls run registered handlers.
package chaintest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/confio/sponsor-gateway/internal/envelope"
)

const (
	GenesisID = "testnet-v1.0"
	MinFee    = 1000
	Token     = "chaintest-token"
)

// GenesisHash is the fixed genesis hash the node reports.
var GenesisHash = bytes.Repeat([]byte{7}, 32)

// AppHandler runs the effects of the app call at group[idx]. Returning an
// error rejects the whole group with that message.
type AppHandler func(l *Ledger, group []types.Transaction, idx int) error

type pendingTx struct {
	confirmedRound uint64
	poolError      string
	logs           []string
}

// Node is a fake algod. The zero value is not usable; call New.
type Node struct {
	URL string

	srv *httptest.Server

	mu       sync.Mutex
	ledger   *Ledger
	apps     map[uint64]AppHandler
	pending  map[string]*pendingTx
	held     []string
	hold     bool
	failNext int
	reject   string
	simFail  string
	requests map[string]int
	submits  int
}

func New(t testing.TB) *Node {
	t.Helper()
	n := &Node{
		ledger:   newLedger(),
		apps:     make(map[uint64]AppHandler),
		pending:  make(map[string]*pendingTx),
		requests: make(map[string]int),
	}
	n.ledger.Round = 1000
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	n.URL = n.srv.URL
	t.Cleanup(n.srv.Close)
	return n
}

// ── test controls ─────────────────────────────────────────────────────────────

func (n *Node) Fund(addr types.Address, microalgos uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.Accounts[addr] += microalgos
}

// OptIn creates a holding of amount for addr.
func (n *Node) OptIn(addr types.Address, assetID, amount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.optIn(addr, assetID)
	n.ledger.Holdings[addr][assetID] = amount
}

// Rekey makes auth the only key allowed to sign for addr.
func (n *Node) Rekey(addr, auth types.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.Auth[addr] = auth
}

func (n *Node) SetBox(appID uint64, name, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.SetBox(appID, name, value)
}

func (n *Node) SetGlobal(appID uint64, key string, v Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.SetGlobal(appID, key, v)
}

// HandleApp registers the effects of calls to appID.
func (n *Node) HandleApp(appID uint64, h AppHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.apps[appID] = h
}

func (n *Node) Balance(addr types.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Accounts[addr]
}

// AssetBalance returns the holding of addr; ok is false when not opted in.
func (n *Node) AssetBalance(addr types.Address, assetID uint64) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.AssetBalance(addr, assetID)
}

func (n *Node) Box(appID uint64, name []byte) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Box(appID, name)
}

func (n *Node) Round() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Round
}

func (n *Node) AdvanceRound(by uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.Round += by
}

// FailNext answers the next k requests with 503.
func (n *Node) FailNext(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = k
}

// RejectNextSubmit makes the next submission fail with msg.
func (n *Node) RejectNextSubmit(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reject = msg
}

// FailSimulation makes every simulation report msg at index 0 until cleared
// with an empty string.
func (n *Node) FailSimulation(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.simFail = msg
}

// HoldConfirmations keeps accepted groups in the pool until Release.
func (n *Node) HoldConfirmations() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hold = true
}

// Release confirms every held group in the next round.
func (n *Node) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hold = false
	n.ledger.Round++
	for _, id := range n.held {
		n.pending[id].confirmedRound = n.ledger.Round
	}
	n.held = nil
}

// Submits counts accepted submissions.
func (n *Node) Submits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits
}

// Requests counts requests by "METHOD /path".
func (n *Node) Requests(route string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[route]
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.requests[r.Method+" "+r.URL.Path]++
	if r.Header.Get("X-Algo-API-Token") != Token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid api token"})
		return
	}
	if n.failNext > 0 {
		n.failNext--
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "node catching up"})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/v2/transactions/params":
		writeJSON(w, http.StatusOK, map[string]any{
			"consensus-version": "future",
			"fee":               0,
			"genesis-hash":      base64.StdEncoding.EncodeToString(GenesisHash),
			"genesis-id":        GenesisID,
			"last-round":        n.ledger.Round,
			"min-fee":           MinFee,
		})
	case r.Method == http.MethodGet && path == "/v2/status":
		writeJSON(w, http.StatusOK, map[string]any{"last-round": n.ledger.Round})
	case r.Method == http.MethodPost && path == "/v2/transactions":
		n.serveSubmit(w, r)
	case r.Method == http.MethodPost && path == "/v2/transactions/simulate":
		n.serveSimulate(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v2/transactions/pending/"):
		n.servePending(w, strings.TrimPrefix(path, "/v2/transactions/pending/"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v2/accounts/"):
		n.serveAccount(w, strings.Split(strings.TrimPrefix(path, "/v2/accounts/"), "/"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v2/applications/"):
		n.serveApp(w, r, strings.Split(strings.TrimPrefix(path, "/v2/applications/"), "/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no route " + path})
	}
}

func (n *Node) serveSubmit(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	stxns, err := envelope.DecodeSigned(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if n.reject != "" {
		msg := n.reject
		n.reject = ""
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": msg})
		return
	}
	first := crypto.GetTxID(stxns[0].Txn)
	if p, ok := n.pending[first]; ok && p.poolError == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": fmt.Sprintf("TransactionPool.Remember: transaction already in ledger: %s", first),
		})
		return
	}
	logs, err := n.check(stxns, true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	n.submits++
	for _, stx := range stxns {
		id := crypto.GetTxID(stx.Txn)
		p := &pendingTx{logs: logs}
		if n.hold {
			n.held = append(n.held, id)
		} else {
			p.confirmedRound = n.ledger.Round + 1
		}
		n.pending[id] = p
	}
	if !n.hold {
		n.ledger.Round++
	}
	writeJSON(w, http.StatusOK, map[string]any{"txId": first})
}

// check validates stxns and applies them to a copy of the ledger. With commit
// set, signatures are required and the copy replaces the ledger.
func (n *Node) check(stxns []types.SignedTxn, commit bool) ([]string, error) {
	if len(stxns) > 16 {
		return nil, fmt.Errorf("group size %d exceeds 16", len(stxns))
	}
	txns := make([]types.Transaction, len(stxns))
	var fees uint64
	for i, stx := range stxns {
		if commit && !envelope.Verify(stx) {
			return nil, fmt.Errorf("transaction %d: signature validation failed", i)
		}
		if commit && stx.AuthAddr != n.ledger.Auth[stx.Txn.Sender] {
			return nil, fmt.Errorf("transaction %d: should have been authorized by %s but was actually authorized by %s",
				i, n.authorizer(stx.Txn.Sender), authorOf(stx))
		}
		tx := stx.Txn
		if !bytes.Equal(tx.GenesisHash[:], GenesisHash) {
			return nil, fmt.Errorf("transaction %d: genesis hash mismatch", i)
		}
		if n.ledger.Round+1 < uint64(tx.FirstValid) || n.ledger.Round+1 > uint64(tx.LastValid) {
			return nil, fmt.Errorf("transaction %d: txn dead: round %d outside [%d--%d]",
				i, n.ledger.Round+1, tx.FirstValid, tx.LastValid)
		}
		fees += uint64(tx.Fee)
		tx.Group = types.Digest{}
		txns[i] = tx
	}
	if len(stxns) > 1 {
		gid, err := crypto.ComputeGroupID(txns)
		if err != nil {
			return nil, err
		}
		for i, stx := range stxns {
			if stx.Txn.Group != gid {
				return nil, fmt.Errorf("transaction %d: incomplete group", i)
			}
		}
	}
	if fees < MinFee*uint64(len(stxns)) {
		return nil, fmt.Errorf("fee too small: pooled %d for %d transactions", fees, len(stxns))
	}

	l := n.ledger.clone()
	group := make([]types.Transaction, len(stxns))
	for i, stx := range stxns {
		group[i] = stx.Txn
	}
	for i, tx := range group {
		if err := n.apply(l, group, i); err != nil {
			return nil, fmt.Errorf("transaction %d (%s): %w", i, tx.Type, err)
		}
	}
	if commit {
		n.ledger = l
	}
	return l.logs, nil
}

func (n *Node) apply(l *Ledger, group []types.Transaction, i int) error {
	tx := group[i]
	if err := l.debit(tx.Sender, uint64(tx.Fee)); err != nil {
		return err
	}
	switch tx.Type {
	case types.PaymentTx:
		return l.Pay(tx.Sender, tx.Receiver, uint64(tx.Amount))
	case types.AssetTransferTx:
		asset := uint64(tx.XferAsset)
		if tx.AssetAmount == 0 && tx.Sender == tx.AssetReceiver {
			l.optIn(tx.Sender, asset)
			return nil
		}
		return l.Transfer(tx.Sender, tx.AssetReceiver, asset, tx.AssetAmount)
	case types.ApplicationCallTx:
		h, ok := n.apps[uint64(tx.ApplicationID)]
		if !ok {
			return nil
		}
		return h(l, group, i)
	default:
		return fmt.Errorf("unsupported type %s", tx.Type)
	}
}

func (n *Node) serveSimulate(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req models.SimulateRequest
	if err := msgpack.Decode(raw, &req); err != nil || len(req.TxnGroups) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed simulate request"})
		return
	}
	grp := map[string]any{}
	results := []map[string]any{}
	for range req.TxnGroups[0].Txns {
		results = append(results, map[string]any{"txn-result": map[string]any{}})
	}
	if n.simFail != "" {
		grp["failed-at"] = []int{0}
		grp["failure-message"] = n.simFail
	} else if logs, err := n.check(req.TxnGroups[0].Txns, false); err != nil {
		grp["failed-at"] = []int{0}
		grp["failure-message"] = err.Error()
	} else if len(results) > 0 && len(logs) > 0 {
		enc := make([]string, len(logs))
		for i, l := range logs {
			enc[i] = base64.StdEncoding.EncodeToString([]byte(l))
		}
		results[len(results)-1]["txn-result"] = map[string]any{"logs": enc}
	}
	grp["txn-results"] = results
	writeJSON(w, http.StatusOK, map[string]any{
		"last-round": n.ledger.Round,
		"txn-groups": []any{grp},
		"version":    2,
	})
}

func (n *Node) servePending(w http.ResponseWriter, id string) {
	p, ok := n.pending[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "txn does not exist"})
		return
	}
	logs := make([]string, len(p.logs))
	for i, l := range p.logs {
		logs[i] = base64.StdEncoding.EncodeToString([]byte(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmed-round": p.confirmedRound,
		"pool-error":      p.poolError,
		"logs":            logs,
	})
}

func (n *Node) serveAccount(w http.ResponseWriter, parts []string) {
	addr, err := types.DecodeAddress(parts[0])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad address"})
		return
	}
	if len(parts) == 1 {
		out := map[string]any{
			"address":     addr.String(),
			"amount":      n.ledger.Accounts[addr],
			"min-balance": 100_000 + 100_000*uint64(len(n.ledger.Holdings[addr])),
			"round":       n.ledger.Round,
		}
		if auth, ok := n.ledger.Auth[addr]; ok {
			out["auth-addr"] = auth.String()
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if len(parts) == 3 && parts[1] == "assets" {
		id, _ := strconv.ParseUint(parts[2], 10, 64)
		amt, ok := n.ledger.AssetBalance(addr, id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "account asset info not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"round":         n.ledger.Round,
			"asset-holding": map[string]any{"amount": amt, "asset-id": id, "is-frozen": false},
		})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "no route"})
}

func (n *Node) serveApp(w http.ResponseWriter, r *http.Request, parts []string) {
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad app id"})
		return
	}
	if len(parts) == 2 && parts[1] == "box" {
		name := strings.TrimPrefix(r.URL.Query().Get("name"), "b64:")
		raw, err := base64.StdEncoding.DecodeString(name)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad box name"})
			return
		}
		v, ok := n.ledger.Box(id, raw)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "box not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":  base64.StdEncoding.EncodeToString(raw),
			"value": base64.StdEncoding.EncodeToString(v),
			"round": n.ledger.Round,
		})
		return
	}
	state := []map[string]any{}
	for k, v := range n.ledger.Globals[id] {
		val := map[string]any{"type": 2, "uint": v.Uint}
		if v.Bytes != nil {
			val = map[string]any{"type": 1, "bytes": base64.StdEncoding.EncodeToString(v.Bytes)}
		}
		state = append(state, map[string]any{"key": base64.StdEncoding.EncodeToString([]byte(k)), "value": val})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"params": map[string]any{"global-state": state},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) authorizer(addr types.Address) types.Address {
	if auth, ok := n.ledger.Auth[addr]; ok {
		return auth
	}
	return addr
}

func authorOf(stx types.SignedTxn) types.Address {
	if stx.AuthAddr.IsZero() {
		return stx.Txn.Sender
	}
	return stx.AuthAddr
}
