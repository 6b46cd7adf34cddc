package proxy

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mdolyak/querygate/internal/auth"
	"github.com/mdolyak/querygate/internal/directory"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/logging"
	"github.com/mdolyak/querygate/internal/router"
	"github.com/mdolyak/querygate/internal/validation"
)

// relayHeaders is the allow-list of upstream response headers passed
// back to the buyer. Everything else from the untrusted seller is dropped.
var relayHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Disposition",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// Handler provides HTTP endpoints for paid queries.
type Handler struct {
	proxy *Proxy
	dir   *directory.Directory
}

// NewHandler creates a new proxy handler.
func NewHandler(p *Proxy, dir *directory.Directory) *Handler {
	return &Handler{proxy: p, dir: dir}
}

// RegisterRoutes sets up the query endpoints. The group must already
// require API key auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/query", h.Query)
	r.POST("/chat", h.Chat)
	r.POST("/prepare", h.Prepare)
}

type queryRequest struct {
	ServiceID string `json:"serviceId" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
}

// Query charges the buyer and forwards the prompt to a named service.
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "serviceId and prompt are required",
		})
		return
	}

	svc, err := h.dir.Get(c.Request.Context(), req.ServiceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "No service with that ID",
		})
		return
	}

	h.execute(c, svc, req.Prompt)
}

type chatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Chat routes the prompt to a service, charges the buyer, and forwards.
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "prompt is required",
		})
		return
	}

	svc, err := h.proxy.Resolve(c.Request.Context(), req.Prompt)
	if err != nil {
		if errors.Is(err, router.ErrNoServiceMatched) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_service_matched",
				"message": "No service can handle this prompt",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "routing_failed",
			"message": "Service routing failed",
		})
		return
	}

	h.execute(c, svc, req.Prompt)
}

// Prepare resolves a prompt and quotes the price without charging.
func (h *Handler) Prepare(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "prompt is required",
		})
		return
	}

	buyer := auth.AuthenticatedAddress(c)
	quote, affordable, err := h.proxy.Prepare(c.Request.Context(), buyer, req.Prompt)
	if err != nil {
		if errors.Is(err, router.ErrNoServiceMatched) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_service_matched",
				"message": "No service can handle this prompt",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to prepare query",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serviceId":  quote.Service.ID,
		"service":    quote.Service.Name,
		"price":      quote.Price,
		"affordable": affordable,
	})
}

// execute runs the paid pipeline and streams the upstream response back.
func (h *Handler) execute(c *gin.Context, svc *directory.Service, prompt string) {
	buyer := auth.AuthenticatedAddress(c)
	prompt = validation.SanitizeString(prompt, validation.MaxPromptLength)

	result, err := h.proxy.Execute(c.Request.Context(), buyer, svc, prompt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer result.Response.Body.Close()

	for _, name := range relayHeaders {
		if v := result.Response.Header.Get(name); v != "" {
			c.Header(name, v)
		}
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Transaction-ID", result.Tx.ID)

	c.Status(result.Response.StatusCode)
	if _, err := io.Copy(c.Writer, io.LimitReader(result.Response.Body, maxResponseSize)); err != nil {
		// Client or upstream dropped mid-stream. The charge stands.
		logging.L(c.Request.Context()).Warn("response stream interrupted",
			"tx", result.Tx.ID, "error", err)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Balance too low for this query. Deposit to continue.",
		})
	case errors.Is(err, ErrServiceInactive):
		// Indistinguishable from an unknown service on the buyer side.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "No service with that ID",
		})
	case errors.Is(err, ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "service_unavailable",
			"message": "Service is failing, try again later",
		})
	case errors.Is(err, ErrUpstreamTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "upstream_timeout",
			"message": "Service did not respond in time",
		})
	case errors.Is(err, ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "upstream_unavailable",
			"message": "Service endpoint failed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Query failed",
		})
	}
}
