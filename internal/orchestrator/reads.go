package orchestrator

import (
	"context"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/sync/errgroup"

	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/group"
	"github.com/confio/sponsor-gateway/internal/templates"
	"github.com/confio/sponsor-gateway/internal/validator"
)

// maxReads bounds concurrent node lookups for one build.
const maxReads = 4

// fetchReads resolves plan against the node. Lookups run concurrently; the
// first failure cancels the rest.
func (o *Orchestrator) fetchReads(ctx context.Context, plan templates.ReadPlan) (*templates.ChainReads, error) {
	reads := templates.NewChainReads(o.now().Unix())
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxReads)

	for _, h := range plan.Holdings {
		eg.Go(func() error {
			ok, err := o.node.OptedIn(ctx, h.Addr, h.AssetID)
			if err != nil {
				return err
			}
			mu.Lock()
			reads.Holdings[h] = templates.Holding{OptedIn: ok}
			mu.Unlock()
			return nil
		})
	}
	for _, b := range plan.Boxes {
		eg.Go(func() error {
			v, found, err := o.node.AppBox(ctx, b.AppID, []byte(b.Name))
			if err != nil || !found {
				return err
			}
			mu.Lock()
			reads.Boxes[b] = v
			mu.Unlock()
			return nil
		})
	}
	for _, app := range plan.Globals {
		eg.Go(func() error {
			state, err := o.node.AppGlobalState(ctx, app)
			if err != nil {
				return err
			}
			vals := make(map[string]templates.StateValue, len(state))
			for k, v := range state {
				vals[k] = templates.StateValue{Bytes: v.Bytes, Uint: v.Uint}
			}
			mu.Lock()
			reads.Globals[app] = vals
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reads, nil
}

// authorizers looks up the on-chain auth address of every client slot that
// came back signed by a key other than its sender's.
func (o *Orchestrator) authorizers(ctx context.Context, g *group.Group, signed []types.SignedTxn) (validator.Authorizers, error) {
	var senders []types.Address
	for i, stx := range signed {
		if i >= g.Size() || g.Envelopes[i].Role == envelope.RoleSponsor || stx.AuthAddr.IsZero() {
			continue
		}
		senders = append(senders, stx.Txn.Sender)
	}
	if len(senders) == 0 {
		return nil, nil
	}

	auth := make(validator.Authorizers, len(senders))
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxReads)
	for _, addr := range senders {
		eg.Go(func() error {
			acct, err := o.node.AccountBalance(ctx, addr)
			if err != nil {
				return err
			}
			if !acct.AuthAddr.IsZero() {
				mu.Lock()
				auth[addr] = acct.AuthAddr
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return auth, nil
}
