// cmd/checkbal prints the sponsor account's address, on-chain balance and
// admission headroom, using the same configuration as the gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/chain"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/signer"
)

func main() {
	log := zap.NewNop()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	sig, err := signer.New(ctx, cfg.Sponsor, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: sponsor key:", err)
		os.Exit(1)
	}
	acct, err := chain.NewClient(cfg, log).AccountBalance(ctx, sig.Address())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: account:", err)
		os.Exit(1)
	}

	var headroom uint64
	if acct.Amount > cfg.Sponsor.MinOperatingBalance {
		headroom = acct.Amount - cfg.Sponsor.MinOperatingBalance
	}
	fmt.Printf("sponsor:      %s\n", sig.Address())
	fmt.Printf("round:        %d\n", acct.Round)
	fmt.Printf("balance:      %d µALGO\n", acct.Amount)
	fmt.Printf("min balance:  %d µALGO (protocol)\n", acct.MinBalance)
	fmt.Printf("min operating: %d µALGO\n", cfg.Sponsor.MinOperatingBalance)
	fmt.Printf("headroom:     %d µALGO\n", headroom)
	if acct.Amount < cfg.Sponsor.WarningThreshold {
		fmt.Printf("WARNING: balance below warning threshold %d\n", cfg.Sponsor.WarningThreshold)
	}
}
