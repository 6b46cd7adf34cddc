package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mdolyak/querygate/internal/auth"
	"github.com/mdolyak/querygate/internal/directory"
	"github.com/mdolyak/querygate/internal/logging"
	"github.com/mdolyak/querygate/internal/validation"
)

// faucetAmount is what the development faucet grants per request.
const faucetAmount = "10.000000"

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthyAll, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthyAll {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "QueryGate",
		"description": "Payment-gated proxy for AI service marketplaces",
		"version":     "0.1.0",
		"treasury":    s.cfg.TreasuryAddress,
		"chainId":     s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// registerAccount handles POST /v1/accounts. Registering a wallet
// address issues the API key used for all paid routes.
func (s *Server) registerAccount(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Address string `json:"address" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	name := validation.SanitizeString(req.Name, 200)
	if name == "" {
		name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.Address, name)
	if err != nil {
		logging.L(ctx).Error("API key generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register account",
		})
		return
	}

	logging.L(ctx).Info("account registered", "address", req.Address, "keyId", keyInfo.ID)

	c.JSON(http.StatusCreated, gin.H{
		"address": keyInfo.Address,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

func (s *Server) getBalance(c *gin.Context) {
	acc, err := s.ledger.Balance(c.Request.Context(), c.Param("address"))
	if err != nil {
		logging.L(c.Request.Context()).Error("balance lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up balance",
		})
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) getHistory(c *gin.Context) {
	limit := parseLimit(c, 50)
	entries, err := s.ledger.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("history lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// -----------------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------------

func (s *Server) listServices(c *gin.Context) {
	filter := directory.Filter{
		SellerAddress: validation.SanitizeAddress(c.Query("seller")),
		ActiveOnly:    c.Query("all") == "",
		Limit:         parseLimit(c, 100),
	}

	services, err := s.dir.List(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("service listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list services",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services, "count": len(services)})
}

func (s *Server) getService(c *gin.Context) {
	svc, err := s.dir.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "No service with that ID",
		})
		return
	}
	c.JSON(http.StatusOK, svc)
}

// registerService handles POST /v1/services. The seller address in the
// payload must match the authenticated key, so sellers cannot register
// services on someone else's behalf.
func (s *Server) registerService(c *gin.Context) {
	ctx := c.Request.Context()

	var req directory.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name, sellerAddress, endpoint, and price are required",
		})
		return
	}
	if validation.SanitizeAddress(req.SellerAddress) != auth.AuthenticatedAddress(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "sellerAddress must match the authenticated address",
		})
		return
	}

	svc, err := s.dir.Register(ctx, req)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidService) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service",
				"message": err.Error(),
			})
			return
		}
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service",
				"message": verrs.Error(),
			})
			return
		}
		logging.L(ctx).Error("service registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register service",
		})
		return
	}

	s.hub.BroadcastServiceRegistered(svc.ID, svc.Name, svc.SellerAddress, svc.Price)
	logging.L(ctx).Info("service registered",
		"service", svc.ID, "seller", svc.SellerAddress, "price", svc.Price)

	c.JSON(http.StatusCreated, svc)
}

// deactivateService handles POST /v1/services/:id/deactivate.
func (s *Server) deactivateService(c *gin.Context) {
	ctx := c.Request.Context()

	svc, err := s.dir.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "No service with that ID",
		})
		return
	}
	if svc.SellerAddress != auth.AuthenticatedAddress(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the service owner can deactivate it",
		})
		return
	}

	if err := s.dir.SetActive(ctx, svc.ID, false); err != nil {
		logging.L(ctx).Error("service deactivation failed", "service", svc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to deactivate service",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": svc.ID, "active": false})
}

// settleService handles POST /v1/services/:id/settle. It zeroes the
// service's unpaid balance and reports what was owed; the actual payout
// to the seller happens off-platform.
func (s *Server) settleService(c *gin.Context) {
	ctx := c.Request.Context()

	svc, err := s.dir.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "No service with that ID",
		})
		return
	}
	if svc.SellerAddress != auth.AuthenticatedAddress(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the service owner can settle its balance",
		})
		return
	}

	settled, err := s.dir.SettleUnpaid(ctx, svc.ID)
	if err != nil {
		logging.L(ctx).Error("settlement failed", "service", svc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to settle unpaid balance",
		})
		return
	}

	logging.L(ctx).Info("unpaid balance settled", "service", svc.ID, "amount", settled)
	c.JSON(http.StatusOK, gin.H{"id": svc.ID, "settled": settled})
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func (s *Server) recentTransactions(c *gin.Context) {
	txs, err := s.txl.Recent(c.Request.Context(), parseLimit(c, 50))
	if err != nil {
		logging.L(c.Request.Context()).Error("transaction listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) serviceTransactions(c *gin.Context) {
	txs, err := s.txl.ForService(c.Request.Context(), c.Param("id"), parseLimit(c, 50))
	if err != nil {
		logging.L(c.Request.Context()).Error("transaction listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) buyerTransactions(c *gin.Context) {
	txs, err := s.txl.ForBuyer(c.Request.Context(), c.Param("address"), parseLimit(c, 50))
	if err != nil {
		logging.L(c.Request.Context()).Error("transaction listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

func (s *Server) listKeys(c *gin.Context) {
	keys, err := s.authMgr.ListKeys(c.Request.Context(), auth.AuthenticatedAddress(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("key listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list API keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (s *Server) revokeKey(c *gin.Context) {
	err := s.authMgr.RevokeKey(c.Request.Context(), c.Param("keyId"), auth.AuthenticatedAddress(c))
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No API key with that ID",
			})
			return
		}
		logging.L(c.Request.Context()).Error("key revocation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke API key",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// -----------------------------------------------------------------------------
// Faucet (development only)
// -----------------------------------------------------------------------------

func (s *Server) faucetHandler(c *gin.Context) {
	ctx := c.Request.Context()
	address := auth.AuthenticatedAddress(c)

	if err := s.ledger.Grant(ctx, address, faucetAmount); err != nil {
		logging.L(ctx).Error("faucet grant failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Faucet grant failed",
		})
		return
	}

	logging.L(ctx).Info("faucet grant", "address", address, "amount", faucetAmount)
	c.JSON(http.StatusOK, gin.H{"address": address, "granted": faucetAmount})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
