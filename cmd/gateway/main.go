package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/confio/sponsor-gateway/internal/api"
	"github.com/confio/sponsor-gateway/internal/chain"
	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/health"
	"github.com/confio/sponsor-gateway/internal/orchestrator"
	"github.com/confio/sponsor-gateway/internal/signer"
	"github.com/confio/sponsor-gateway/internal/sponsor"
	"github.com/confio/sponsor-gateway/internal/store"
	"github.com/confio/sponsor-gateway/internal/templates"
)

const healthInterval = 5 * time.Second

// gateway is everything main starts, built by wire.
type gateway struct {
	st     store.Store
	acct   *sponsor.Accounting
	orch   *orchestrator.Orchestrator
	health *health.Server
	router *gin.Engine
}

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	gw, err := wire(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal("gateway init failed", zap.Error(err))
	}
	defer gw.st.Close()

	// ── Startup recovery (before any intent is admitted) ─────────────────────
	if err := gw.orch.Recover(ctx); err != nil {
		log.Fatal("recovery failed", zap.Error(err))
	}
	if err := gw.acct.Refresh(ctx); err != nil {
		// health stays unobserved; admission refuses until the refresher succeeds
		log.Error("initial sponsor refresh failed", zap.Error(err))
	}
	gw.health.Update()

	// ── Goroutines ────────────────────────────────────────────────────────────
	go gw.acct.RunRefresher(ctx)
	go gw.orch.RunConfirmer(ctx)
	go gw.orch.RunSweeper(ctx)
	go gw.health.Run(ctx, healthInterval)

	// ── gRPC health ───────────────────────────────────────────────────────────
	gsrv := grpc.NewServer()
	gw.health.Register(gsrv)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal("gRPC listen failed", zap.Error(err))
	}
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	gsrv.GracefulStop()
	cancel()
	log.Info("shutdown complete")
}

// wire builds the gateway's components over rdb. Nothing is started.
func wire(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*gateway, error) {
	// ── Chain client ──────────────────────────────────────────────────────────
	node := chain.NewClient(cfg, log)

	// ── Sponsor key (local secret or KMS) ─────────────────────────────────────
	sig, err := signer.New(ctx, cfg.Sponsor, log)
	if err != nil {
		return nil, fmt.Errorf("sponsor signer: %w", err)
	}

	// ── Contract templates ────────────────────────────────────────────────────
	d, err := templates.NewDeployment(cfg.Contracts, sig.Address())
	if err != nil {
		return nil, fmt.Errorf("contracts: %w", err)
	}
	reg := templates.NewRegistry(d)

	// ── Record store ──────────────────────────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store, rdb, log)
	if err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}

	// ── Sponsor accounting + orchestrator ─────────────────────────────────────
	acct := sponsor.New(cfg, sig.Address(), sponsor.NewQuoter(reg, node), node, rdb, log)
	orch := orchestrator.New(cfg, st, node, reg, sig, acct, log)

	h := api.NewHandler(orch, acct, log)
	log.Info("gateway wired", zap.String("sponsor", sig.Address().String()), zap.String("algod", cfg.Algod.URL))
	return &gateway{
		st:     st,
		acct:   acct,
		orch:   orch,
		health: health.New(acct, log),
		router: api.NewRouter(cfg.Server, h),
	}, nil
}
