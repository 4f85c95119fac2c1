// Package api is the gateway's HTTP surface: intent admission, signature
// return, status polling and the sponsor's operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/apperr"
	"github.com/confio/sponsor-gateway/internal/envelope"
	"github.com/confio/sponsor-gateway/internal/intent"
	"github.com/confio/sponsor-gateway/internal/orchestrator"
	"github.com/confio/sponsor-gateway/internal/sponsor"
)

// Transactions is satisfied by *orchestrator.Orchestrator.
type Transactions interface {
	Submit(ctx context.Context, kind intent.Kind, key string, raw json.RawMessage) (*orchestrator.Handle, error)
	Resume(ctx context.Context, id string, signed []types.SignedTxn) (*orchestrator.Handle, error)
	Status(ctx context.Context, id string) (*orchestrator.Handle, error)
	Cancel(ctx context.Context, id string) (*orchestrator.Handle, error)
	Wait(ctx context.Context, id string) (*orchestrator.Handle, error)
}

// Sponsor is satisfied by *sponsor.Accounting.
type Sponsor interface {
	Health() sponsor.Health
	ClearDrift(ctx context.Context) error
}

// Handler wires the gateway routes onto a Gin engine.
type Handler struct {
	txs     Transactions
	sponsor Sponsor
	log     *zap.Logger
}

func NewHandler(txs Transactions, sp Sponsor, log *zap.Logger) *Handler {
	return &Handler{txs: txs, sponsor: sp, log: log}
}

// Register mounts the caller routes. Auth and rate limiting should already
// be applied to rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Intents ────────────────────────────────────────────────────────────
	rg.POST("/intents", h.handleSubmit)

	// ── Transactions ───────────────────────────────────────────────────────
	rg.GET("/transactions/:id", h.handleStatus)
	rg.POST("/transactions/:id/signatures", h.handleSignatures)
	rg.POST("/transactions/:id/cancel", h.handleCancel)
}

// RegisterAdmin mounts the operator routes.
func (h *Handler) RegisterAdmin(rg *gin.RouterGroup) {
	rg.GET("/sponsor", h.handleSponsorHealth)
	rg.POST("/sponsor/drift/clear", h.handleClearDrift)
}

// RegisterHealth mounts the unauthenticated probes on r.
func (h *Handler) RegisterHealth(r gin.IRoutes) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/health/sponsor", h.handleSponsorHealth)
}

type submitRequest struct {
	Kind           intent.Kind     `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Intent         json.RawMessage `json:"intent"`
}

func (h *Handler) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperr.New(apperr.InvalidIntent, "invalid request body"))
		return
	}
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != k {
			abort(c, apperr.New(apperr.InvalidIntent, "Idempotency-Key header and body disagree"))
			return
		}
		req.IdempotencyKey = k
	}
	if req.Kind == "" || len(req.Intent) == 0 {
		abort(c, apperr.New(apperr.InvalidIntent, "kind and intent are required"))
		return
	}

	handle, err := h.txs.Submit(c.Request.Context(), req.Kind, req.IdempotencyKey, req.Intent)
	if err != nil {
		h.fail(c, "submit", err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

type signaturesRequest struct {
	SignedGroup string   `json:"signed_group"`
	SignedTxns  []string `json:"signed_txns"`
}

func (h *Handler) handleSignatures(c *gin.Context) {
	var req signaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperr.New(apperr.InvalidIntent, "invalid request body"))
		return
	}

	var (
		signed []types.SignedTxn
		err    error
	)
	switch {
	case req.SignedGroup != "" && len(req.SignedTxns) > 0:
		abort(c, apperr.New(apperr.InvalidIntent, "send signed_group or signed_txns, not both"))
		return
	case req.SignedGroup != "":
		signed, err = envelope.DecodeSignedB64(req.SignedGroup)
	case len(req.SignedTxns) > 0:
		signed, err = envelope.DecodeMembersB64(req.SignedTxns)
	default:
		abort(c, apperr.New(apperr.InvalidIntent, "signed_group or signed_txns is required"))
		return
	}
	if err != nil {
		abort(c, apperr.Wrap(apperr.ClientTampered, err, "undecodable signed group"))
		return
	}

	handle, err := h.txs.Resume(c.Request.Context(), c.Param("id"), signed)
	if err != nil {
		h.fail(c, "resume", err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h *Handler) handleStatus(c *gin.Context) {
	var (
		handle *orchestrator.Handle
		err    error
	)
	if c.Query("wait") == "true" {
		handle, err = h.txs.Wait(c.Request.Context(), c.Param("id"))
	} else {
		handle, err = h.txs.Status(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		h.fail(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h *Handler) handleCancel(c *gin.Context) {
	handle, err := h.txs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h *Handler) handleSponsorHealth(c *gin.Context) {
	hl := h.sponsor.Health()
	status := http.StatusOK
	if !hl.CanSponsor {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, hl)
}

func (h *Handler) handleClearDrift(c *gin.Context) {
	if err := h.sponsor.ClearDrift(c.Request.Context()); err != nil {
		h.log.Error("clear drift", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.log.Info("sponsor drift cleared", zap.String("caller", c.GetString("caller")))
	c.JSON(http.StatusOK, h.sponsor.Health())
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if statusOf(apperr.KindOf(err)) == http.StatusInternalServerError {
		h.log.Error(op, zap.String("tx", c.Param("id")), zap.Error(err))
	}
	abort(c, err)
}
