package marketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LedgerService is the slice of the domain service the HTTP layer consumes.
type LedgerService interface {
	Purchase(ctx context.Context, leadID marketledger.LeadID, buyerWorkspaceID marketledger.WorkspaceID) (marketledger.PurchaseReceipt, error)
	Balance(ctx context.Context, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error)
	TopUp(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents, idempotencyKey marketledger.IdempotencyKey) (marketledger.AmountCents, error)
	ListPurchases(ctx context.Context, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error)
	AddLead(ctx context.Context, price marketledger.PositiveAmountCents, metadata marketledger.MetadataJSON) (marketledger.Lead, error)
	ListAvailableLeads(ctx context.Context, limit int) ([]marketledger.Lead, error)
}

// Run boots the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service LedgerService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validate: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, newSessionValidator(cfg))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionValidator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsContextKey))

	api.GET("/leads", handler.handleListLeads)
	api.POST("/leads", handler.handleAddLead)
	api.POST("/purchase", handler.handlePurchase)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/topup", handler.handleTopup)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service LedgerService
	cfg     Config
}

func (handler *httpHandler) handleListLeads(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	leads, err := handler.service.ListAvailableLeads(requestCtx, defaultLeadListLimit)
	if err != nil {
		handler.logger.Error("lead list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "lead list failed"))
		return
	}
	payload := make([]leadPayload, 0, len(leads))
	for _, lead := range leads {
		payload = append(payload, toLeadPayload(lead))
	}
	ctx.JSON(http.StatusOK, gin.H{"leads": payload})
}

func (handler *httpHandler) handleAddLead(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !claims.HasRole(roleAdmin) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request addLeadRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	price, err := marketledger.NewPositiveAmountCents(request.PriceCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", "price_cents must be greater than zero"))
		return
	}
	metadata, err := marketledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be valid JSON"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	lead, err := handler.service.AddLead(requestCtx, price, metadata)
	if err != nil {
		handler.logger.Error("add lead failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "add lead failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"lead": toLeadPayload(lead)})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	leadID, err := marketledger.NewLeadID(request.LeadID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_lead_id", "lead_id is required"))
		return
	}
	workspaceID, err := marketledger.NewWorkspaceID(claims.WorkspaceID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	receipt, err := handler.service.Purchase(requestCtx, leadID, workspaceID)
	if err != nil {
		handler.respondPurchaseError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, purchasePayload{
		Success:         true,
		PurchaseID:      receipt.PurchaseID.String(),
		LeadID:          receipt.LeadID.String(),
		AmountCents:     receipt.AmountCents.Int64(),
		NewBalanceCents: receipt.NewBalanceCents.Int64(),
	})
}

// respondPurchaseError maps domain errors onto the purchase HTTP contract:
// 404 unknown lead, 409 lost race, 402 with amounts, 500 otherwise.
func (handler *httpHandler) respondPurchaseError(ctx *gin.Context, err error) {
	var fundsError marketledger.InsufficientFundsError
	switch {
	case errors.Is(err, marketledger.ErrLeadNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("lead_not_found", "lead does not exist"))
	case errors.Is(err, marketledger.ErrLeadAlreadySold), errors.Is(err, marketledger.ErrPurchaseExists):
		ctx.JSON(http.StatusConflict, errorResponse("leads_no_longer_available", "lead was sold to another buyer"))
	case errors.As(err, &fundsError):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":    "insufficient_credits",
				"message": "balance too low to purchase this lead",
			},
			"required_cents": fundsError.RequiredCents,
			"current_cents":  fundsError.CurrentCents,
		})
	case errors.Is(err, marketledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance too low to purchase this lead"))
	default:
		handler.logger.Error("purchase failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "purchase failed"))
	}
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	workspaceID, err := marketledger.NewWorkspaceID(claims.WorkspaceID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	account, err := handler.service.Balance(requestCtx, workspaceID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}
	purchases, err := handler.service.ListPurchases(requestCtx, workspaceID, 0, defaultPurchaseListLimit)
	if err != nil {
		handler.logger.Error("purchase list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}

	history := make([]historyPayload, 0, len(purchases))
	for _, purchase := range purchases {
		history = append(history, historyPayload{
			PurchaseID:     purchase.PurchaseID.String(),
			LeadID:         purchase.LeadID.String(),
			AmountCents:    purchase.AmountCents.Int64(),
			Status:         purchase.Status.String(),
			Metadata:       json.RawMessage(purchase.Metadata.String()),
			CreatedUnixUTC: purchase.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet": walletPayload{
			WorkspaceID:         account.WorkspaceID.String(),
			BalanceCents:        account.BalanceCents.Int64(),
			TotalPurchasedCents: account.TotalPurchasedCents.Int64(),
			TotalUsedCents:      account.TotalUsedCents.Int64(),
		},
		"purchases": history,
	})
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	workspaceID, err := marketledger.NewWorkspaceID(claims.WorkspaceID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}
	amount, err := marketledger.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount_cents must be greater than zero"))
		return
	}
	idempotencyKey, err := marketledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", "idempotency_key is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	newBalance, err := handler.service.TopUp(requestCtx, workspaceID, amount, idempotencyKey)
	if err != nil {
		if errors.Is(err, marketledger.ErrDuplicateIdempotencyKey) {
			ctx.JSON(http.StatusConflict, errorResponse("duplicate_topup", "idempotency key already used"))
			return
		}
		handler.logger.Error("topup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "topup failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance_cents": newBalance.Int64()})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func toLeadPayload(lead marketledger.Lead) leadPayload {
	return leadPayload{
		LeadID:         lead.LeadID.String(),
		PriceCents:     lead.PriceCents.Int64(),
		Status:         lead.MarketplaceStatus.String(),
		Metadata:       json.RawMessage(lead.Metadata.String()),
		CreatedUnixUTC: lead.CreatedUnixUTC,
	}
}

type purchaseRequest struct {
	LeadID string `json:"lead_id"`
}

type topupRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

type addLeadRequest struct {
	PriceCents int64           `json:"price_cents"`
	Metadata   json.RawMessage `json:"metadata"`
}

type leadPayload struct {
	LeadID         string          `json:"lead_id"`
	PriceCents     int64           `json:"price_cents"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type purchasePayload struct {
	Success         bool   `json:"success"`
	PurchaseID      string `json:"purchase_id"`
	LeadID          string `json:"lead_id"`
	AmountCents     int64  `json:"amount_cents"`
	NewBalanceCents int64  `json:"new_balance_cents"`
}

type walletPayload struct {
	WorkspaceID         string `json:"workspace_id"`
	BalanceCents        int64  `json:"balance_cents"`
	TotalPurchasedCents int64  `json:"total_purchased_cents"`
	TotalUsedCents      int64  `json:"total_used_cents"`
}

type historyPayload struct {
	PurchaseID     string          `json:"purchase_id"`
	LeadID         string          `json:"lead_id"`
	AmountCents    int64           `json:"amount_cents"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
