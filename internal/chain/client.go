// Package chain is the only package that talks to the algod node.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/metrics"
)

const (
	tokenHeader = "X-Algo-API-Token"

	optInCacheSize = 4096
	optInCacheTTL  = 30 * time.Second

	alreadyInLedger = "already in ledger"
)

// DryRunResult is the outcome of simulating a signed group.
type DryRunResult struct {
	OK       bool
	FailedAt []uint64
	Message  string
	Logs     []string
}

// PendingInfo is the node's view of one transaction. Known is false when the
// node has never seen the id or has already dropped it from the pool.
type PendingInfo struct {
	Known          bool
	ConfirmedRound uint64
	PoolError      string
	Logs           []string
}

func (p PendingInfo) Confirmed() bool { return p.ConfirmedRound > 0 }

type AssetHolding struct {
	OptedIn bool
	Amount  uint64
}

type Account struct {
	Amount     uint64
	MinBalance uint64
	Round      uint64
	// AuthAddr is zero unless the account is rekeyed.
	AuthAddr types.Address
}

// TealValue is one global-state entry.
type TealValue struct {
	Bytes []byte
	Uint  uint64
}

// httpError is a non-retryable node response.
type httpError struct {
	Status  int
	Message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("algod status %d: %s", e.Status, e.Message)
}

func statusOf(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// Client is an authenticated algod v2 REST client.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	log        *zap.Logger
	window     uint64
	retries    int
	minBackoff time.Duration

	sem    *semaphore.Weighted
	params singleflight.Group
	optIns *expirable.LRU[string, bool]
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	retries := cfg.Algod.RetryBudget
	if retries < 1 {
		retries = 1
	}
	conc := cfg.Algod.MaxConcurrent
	if conc < 1 {
		conc = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Algod.URL, "/"),
		token:      cfg.Algod.Token,
		http:       &http.Client{Timeout: cfg.Algod.Timeout()},
		log:        log,
		window:     cfg.Timing.RoundWindow,
		retries:    retries,
		minBackoff: 100 * time.Millisecond,
		sem:        semaphore.NewWeighted(conc),
		optIns:     expirable.NewLRU[string, bool](optInCacheSize, nil, optInCacheTTL),
	}
}

// do sends one request, retrying transport failures, 5xx and 429 with
// exponential backoff. Any other non-2xx status comes back as *httpError.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte) ([]byte, error) {
	b := &backoff.Backoff{Min: c.minBackoff, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.RpcUnavailable, ctx.Err(), op)
			}
		}
		out, retry, err := c.once(ctx, method, path, contentType, body)
		if err == nil {
			metrics.RPC(op, "ok")
			return out, nil
		}
		if !retry {
			if statusOf(err) == http.StatusNotFound {
				metrics.RPC(op, "not_found")
			} else {
				metrics.RPC(op, "rejected")
			}
			return nil, err
		}
		lastErr = err
		c.log.Debug("algod: retrying", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	metrics.RPC(op, "unavailable")
	c.log.Warn("algod: retry budget exhausted", zap.String("op", op), zap.Error(lastErr))
	return nil, apperr.Wrap(apperr.RpcUnavailable, lastErr, op)
}

func (c *Client) once(ctx context.Context, method, path, contentType string, body []byte) ([]byte, bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, false, apperr.Wrap(apperr.RpcUnavailable, err, "acquire rpc slot")
	}
	defer c.sem.Release(1)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, false, err
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apperr.Wrap(apperr.RpcUnavailable, err, "request cancelled")
		}
		return nil, true, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, &httpError{Status: resp.StatusCode, Message: gjson.GetBytes(out, "message").String()}
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(out, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(out))
		}
		return nil, false, &httpError{Status: resp.StatusCode, Message: msg}
	}
	return out, false, nil
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, path, "", nil)
}

// rejection converts a non-retryable response to a read into an internal
// error; transient failures already carry RpcUnavailable.
func rejection(op string, err error) error {
	var he *httpError
	if errors.As(err, &he) {
		return apperr.Wrap(apperr.Internal, err, op)
	}
	return err
}

// ── params and rounds ─────────────────────────────────────────────────────────

// SuggestedParams returns a snapshot whose window opens at the node's last
// round. Concurrent callers share one request, which runs detached from any
// single caller's cancellation.
func (c *Client) SuggestedParams(ctx context.Context) (envelope.SuggestedParams, error) {
	ch := c.params.DoChan("params", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout())
		defer cancel()
		body, err := c.get(sctx, "params", "/v2/transactions/params")
		if err != nil {
			return nil, rejection("params", err)
		}
		gh, err := base64.StdEncoding.DecodeString(gjson.GetBytes(body, "genesis-hash").String())
		if err != nil {
			return nil, fmt.Errorf("params: genesis hash: %w", err)
		}
		first := gjson.GetBytes(body, "last-round").Uint()
		p := envelope.SuggestedParams{
			FirstValid:  first,
			LastValid:   first + c.window,
			GenesisID:   gjson.GetBytes(body, "genesis-id").String(),
			GenesisHash: gh,
			MinFee:      gjson.GetBytes(body, "min-fee").Uint(),
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("params: %w", err)
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return envelope.SuggestedParams{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return envelope.SuggestedParams{}, res.Err
		}
		return res.Val.(envelope.SuggestedParams), nil
	}
}

// sharedTimeout bounds a request made on behalf of several callers: every
// attempt of the retry budget plus backoff.
func (c *Client) sharedTimeout() time.Duration {
	per := c.http.Timeout
	if per <= 0 {
		per = 10 * time.Second
	}
	return per*time.Duration(c.retries) + 5*time.Second
}

func (c *Client) CurrentRound(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "status", "/v2/status")
	if err != nil {
		return 0, rejection("status", err)
	}
	return gjson.GetBytes(body, "last-round").Uint(), nil
}

// ── submission ────────────────────────────────────────────────────────────────

// DryRun simulates stxns. Unsigned members are allowed so a group can be
// checked before every party has signed.
func (c *Client) DryRun(ctx context.Context, stxns []types.SignedTxn) (DryRunResult, error) {
	req := models.SimulateRequest{
		TxnGroups:            []models.SimulateRequestTransactionGroup{{Txns: stxns}},
		AllowEmptySignatures: true,
	}
	body, err := c.do(ctx, "simulate", http.MethodPost, "/v2/transactions/simulate?format=json",
		"application/msgpack", msgpack.Encode(&req))
	if err != nil {
		return DryRunResult{}, rejection("simulate", err)
	}
	grp := gjson.GetBytes(body, "txn-groups.0")
	res := DryRunResult{Message: grp.Get("failure-message").String()}
	for _, i := range grp.Get("failed-at").Array() {
		res.FailedAt = append(res.FailedAt, i.Uint())
	}
	for _, r := range grp.Get("txn-results").Array() {
		res.Logs = append(res.Logs, decodeLogs(r.Get("txn-result.logs"))...)
	}
	res.OK = res.Message == "" && len(res.FailedAt) == 0
	return res, nil
}

// Submit sends raw concatenated signed transactions. A group the ledger
// already holds counts as submitted and returns txid. Other node rejections
// surface as ContractRejected with the node's message.
func (c *Client) Submit(ctx context.Context, raw []byte, txid string) (string, error) {
	body, err := c.do(ctx, "submit", http.MethodPost, "/v2/transactions", "application/x-binary", raw)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) {
			if strings.Contains(he.Message, alreadyInLedger) {
				c.log.Info("algod: group already in ledger", zap.String("txid", txid))
				return txid, nil
			}
			return "", apperr.Rejected(he.Message, nil)
		}
		return "", err
	}
	if id := gjson.GetBytes(body, "txId").String(); id != "" {
		return id, nil
	}
	return txid, nil
}

func (c *Client) Pending(ctx context.Context, txid string) (PendingInfo, error) {
	body, err := c.get(ctx, "pending", "/v2/transactions/pending/"+url.PathEscape(txid)+"?format=json")
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return PendingInfo{}, nil
		}
		return PendingInfo{}, rejection("pending", err)
	}
	return PendingInfo{
		Known:          true,
		ConfirmedRound: gjson.GetBytes(body, "confirmed-round").Uint(),
		PoolError:      gjson.GetBytes(body, "pool-error").String(),
		Logs:           decodeLogs(gjson.GetBytes(body, "logs")),
	}, nil
}

func decodeLogs(arr gjson.Result) []string {
	var out []string
	for _, l := range arr.Array() {
		raw, err := base64.StdEncoding.DecodeString(l.String())
		if err != nil {
			out = append(out, l.String())
			continue
		}
		out = append(out, string(raw))
	}
	return out
}

// ── account and application reads ─────────────────────────────────────────────

func (c *Client) AssetHolding(ctx context.Context, addr types.Address, assetID uint64) (AssetHolding, error) {
	path := fmt.Sprintf("/v2/accounts/%s/assets/%d", addr.String(), assetID)
	body, err := c.get(ctx, "asset_holding", path)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return AssetHolding{}, nil
		}
		return AssetHolding{}, rejection("asset_holding", err)
	}
	h := AssetHolding{OptedIn: true, Amount: gjson.GetBytes(body, "asset-holding.amount").Uint()}
	c.optIns.Add(optInKey(addr, assetID), true)
	return h, nil
}

// OptedIn answers from a short-lived cache of positive results.
func (c *Client) OptedIn(ctx context.Context, addr types.Address, assetID uint64) (bool, error) {
	if ok, hit := c.optIns.Get(optInKey(addr, assetID)); hit && ok {
		return true, nil
	}
	h, err := c.AssetHolding(ctx, addr, assetID)
	return h.OptedIn, err
}

func optInKey(addr types.Address, assetID uint64) string {
	return addr.String() + "/" + strconv.FormatUint(assetID, 10)
}

func (c *Client) AccountBalance(ctx context.Context, addr types.Address) (Account, error) {
	body, err := c.get(ctx, "account", "/v2/accounts/"+addr.String()+"?exclude=all")
	if err != nil {
		return Account{}, rejection("account", err)
	}
	acct := Account{
		Amount:     gjson.GetBytes(body, "amount").Uint(),
		MinBalance: gjson.GetBytes(body, "min-balance").Uint(),
		Round:      gjson.GetBytes(body, "round").Uint(),
	}
	if s := gjson.GetBytes(body, "auth-addr").String(); s != "" {
		if acct.AuthAddr, err = types.DecodeAddress(s); err != nil {
			return Account{}, fmt.Errorf("account %s: auth-addr: %w", addr, err)
		}
	}
	return acct, nil
}

// AppGlobalState returns the global state keyed by raw key bytes.
func (c *Client) AppGlobalState(ctx context.Context, appID uint64) (map[string]TealValue, error) {
	body, err := c.get(ctx, "app", "/v2/applications/"+strconv.FormatUint(appID, 10))
	if err != nil {
		return nil, rejection("app", err)
	}
	out := make(map[string]TealValue)
	for _, kv := range gjson.GetBytes(body, "params.global-state").Array() {
		key, err := base64.StdEncoding.DecodeString(kv.Get("key").String())
		if err != nil {
			return nil, fmt.Errorf("app %d: state key: %w", appID, err)
		}
		var v TealValue
		// type 1 is bytes, 2 is uint
		if kv.Get("value.type").Int() == 1 {
			if v.Bytes, err = base64.StdEncoding.DecodeString(kv.Get("value.bytes").String()); err != nil {
				return nil, fmt.Errorf("app %d: state %q: %w", appID, key, err)
			}
		} else {
			v.Uint = kv.Get("value.uint").Uint()
		}
		out[string(key)] = v
	}
	return out, nil
}

// AppBox returns a box's value; ok is false when the box does not exist.
func (c *Client) AppBox(ctx context.Context, appID uint64, name []byte) ([]byte, bool, error) {
	path := fmt.Sprintf("/v2/applications/%d/box?name=%s", appID,
		url.QueryEscape("b64:"+base64.StdEncoding.EncodeToString(name)))
	body, err := c.get(ctx, "box", path)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, rejection("box", err)
	}
	v, err := base64.StdEncoding.DecodeString(gjson.GetBytes(body, "value").String())
	if err != nil {
		return nil, false, fmt.Errorf("box %d: value: %w", appID, err)
	}
	return v, true, nil
}
