// Package server exposes the engine over HTTP: public event ingestion and
// status reads, operator-guarded scans and blocks, and admin-guarded power
// actions. Routing and middleware follow one pattern throughout; everything
// privileged sits behind the operator token middleware.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/defense"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/opauth"
	"github.com/jmerrifield20/autoshield/internal/orchestrator"
	"github.com/jmerrifield20/autoshield/internal/reputation"
	"github.com/jmerrifield20/autoshield/internal/toolconn"
)

// eventProcessor is the slice of the orchestrator the handler needs.
type eventProcessor interface {
	ProcessEvent(ctx context.Context, ev *event.SecurityEvent) (*orchestrator.Result, error)
}

// ToolChannel is the slice of the connection manager exposed over HTTP.
type ToolChannel interface {
	Invoke(ctx context.Context, call toolconn.Call) (*toolconn.InvocationResult, error)
	Status() toolconn.Status
}

// Handler carries the engine components behind the HTTP surface. responder
// and power may be nil when no defense channel is configured.
type Handler struct {
	events    eventProcessor
	store     *reputation.Store
	tools     ToolChannel
	responder defense.Responder
	power     defense.PowerController
	tokens    *opauth.Issuer
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(events eventProcessor, store *reputation.Store, tools ToolChannel, responder defense.Responder, power defense.PowerController, tokens *opauth.Issuer, logger *zap.Logger) *Handler {
	return &Handler{
		events:    events,
		store:     store,
		tools:     tools,
		responder: responder,
		power:     power,
		tokens:    tokens,
		logger:    logger,
	}
}

// Config holds router-level settings.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int // 0 disables rate limiting
}

// NewRouter assembles the Gin engine with the full middleware chain.
func NewRouter(cfg Config, h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Correlation-ID"},
			ExposeHeaders:    []string{"Content-Length", "X-Correlation-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(securityHeaders())
	router.Use(bodyLimit())
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(correlationID())
	router.Use(requestLogger(h.logger))
	router.Use(PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	h.Register(v1)
	return router
}

// Register registers all API routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/events", h.IngestEvent)
	rg.GET("/reputation/:address", h.GetReputation)
	rg.GET("/tools/status", h.ToolStatus)
	rg.POST("/auth/token", h.IssueToken)

	op := rg.Group("", opauth.Require(h.tokens, opauth.RoleOperator))
	{
		op.POST("/scan", h.Scan)
		op.POST("/block", h.Block)
		op.POST("/unblock", h.Unblock)
		op.GET("/system/health", h.SystemHealth)
		op.GET("/logs/failed-logins", h.FailedLogins)
	}

	admin := rg.Group("", opauth.Require(h.tokens, opauth.RoleAdmin))
	{
		admin.POST("/power/shutdown", h.PowerShutdown)
		admin.POST("/power/reboot", h.PowerReboot)
		admin.POST("/power/cancel", h.PowerCancel)
		admin.POST("/defense/flush-firewall", h.FlushFirewall)
	}
}

// IngestEvent accepts one security event and runs the response pipeline.
func (h *Handler) IngestEvent(c *gin.Context) {
	var ev event.SecurityEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event: " + err.Error()})
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = c.GetString(ctxCorrelationID)
	}

	res, err := h.events.ProcessEvent(c.Request.Context(), &ev)
	if err != nil {
		if errors.Is(err, event.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("event processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	RecordEvent(string(ev.Type), string(res.Assessment.Band))
	for _, r := range res.Responses {
		if r.Kind != "skipped" {
			RecordAction(r.Name, r.Success)
		}
	}
	c.JSON(http.StatusOK, res)
}

// GetReputation returns the reputation snapshot for one address.
func (h *Handler) GetReputation(c *gin.Context) {
	addr := c.Param("address")
	if net.ParseIP(addr) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a valid IP address"})
		return
	}

	snap := h.store.Snapshot(addr)
	c.JSON(http.StatusOK, gin.H{
		"address":      snap.Address,
		"event_count":  len(snap.History),
		"last_scan_at": snap.LastScanAt,
		"blocked":      snap.Blocked,
		"whitelisted":  snap.Whitelisted,
	})
}

// ToolStatus reports the tool provider connection state.
func (h *Handler) ToolStatus(c *gin.Context) {
	st := h.tools.Status()
	RecordToolState(st.State == toolconn.StateConnected)
	c.JSON(http.StatusOK, st)
}

// IssueToken exchanges the static operator secret for a session token.
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}

	token, role, err := h.tokens.Login(req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "role": role})
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
	Reason  string `json:"reason"`
	Deep    bool   `json:"deep"`
}

func bindAddress(c *gin.Context) (addressRequest, bool) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return req, false
	}
	if net.ParseIP(req.Address) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a valid IP address"})
		return req, false
	}
	return req, true
}

// Scan triggers a manual scan. Deep selects the comprehensive scan.
func (h *Handler) Scan(c *gin.Context) {
	req, ok := bindAddress(c)
	if !ok {
		return
	}

	call := toolconn.QuickScan(req.Address)
	if req.Deep {
		call = toolconn.VulnScan(req.Address)
	}
	h.invokeTool(c, call)
}

// Block blocks an address on every available channel.
func (h *Handler) Block(c *gin.Context) {
	req, ok := bindAddress(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual operator block"
	}

	inv, err := h.tools.Invoke(c.Request.Context(), toolconn.BlockAddress(req.Address, req.Reason))
	blocked := err == nil && inv.Success
	RecordAction(string(toolconn.ToolBlockAddress), blocked)

	var defended *defense.ActionResult
	if h.responder != nil {
		ar := h.responder.BlockAddress(c.Request.Context(), req.Address)
		defended = &ar
		RecordAction(string(ar.Action), ar.Success)
		blocked = blocked || ar.Success
	}

	if blocked {
		h.store.MarkBlocked(req.Address)
	}
	c.JSON(statusFor(blocked), gin.H{
		"blocked": blocked,
		"tool":    inv,
		"defense": defended,
	})
}

// Unblock removes the block on every channel and clears the flag.
func (h *Handler) Unblock(c *gin.Context) {
	req, ok := bindAddress(c)
	if !ok {
		return
	}

	inv, err := h.tools.Invoke(c.Request.Context(), toolconn.UnblockAddress(req.Address))
	unblocked := err == nil && inv.Success

	var defended *defense.ActionResult
	if h.responder != nil {
		ar := h.responder.UnblockAddress(c.Request.Context(), req.Address)
		defended = &ar
		unblocked = unblocked || ar.Success
	}

	if unblocked {
		h.store.MarkUnblocked(req.Address)
	}
	c.JSON(statusFor(unblocked), gin.H{
		"unblocked": unblocked,
		"tool":      inv,
		"defense":   defended,
	})
}

// SystemHealth proxies the provider's host health report.
func (h *Handler) SystemHealth(c *gin.Context) {
	h.invokeTool(c, toolconn.SystemHealth())
}

// FailedLogins proxies the provider's failed-login report.
func (h *Handler) FailedLogins(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 || hours > 168 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 168"})
		return
	}
	h.invokeTool(c, toolconn.FailedLogins(hours))
}

// invokeTool runs one tool call and maps the outcome onto HTTP status codes.
func (h *Handler) invokeTool(c *gin.Context, call toolconn.Call) {
	inv, err := h.tools.Invoke(c.Request.Context(), call)
	if err != nil {
		if errors.Is(err, toolconn.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tool provider not connected", "result": inv})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": inv})
		return
	}
	c.JSON(http.StatusOK, inv)
}

type powerRequest struct {
	DelayMinutes int `json:"delay_minutes"`
}

func (h *Handler) powerGuard(c *gin.Context) bool {
	if h.power == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "defense channel not configured"})
		return false
	}
	return true
}

// PowerShutdown schedules a host shutdown.
func (h *Handler) PowerShutdown(c *gin.Context) {
	if !h.powerGuard(c) {
		return
	}
	var req powerRequest
	c.ShouldBindJSON(&req) //nolint:errcheck
	res := h.power.ScheduleShutdown(c.Request.Context(), req.DelayMinutes)
	RecordAction(string(res.Action), res.Success)
	c.JSON(statusFor(res.Success), res)
}

// PowerReboot schedules a host reboot.
func (h *Handler) PowerReboot(c *gin.Context) {
	if !h.powerGuard(c) {
		return
	}
	var req powerRequest
	c.ShouldBindJSON(&req) //nolint:errcheck
	res := h.power.ScheduleReboot(c.Request.Context(), req.DelayMinutes)
	RecordAction(string(res.Action), res.Success)
	c.JSON(statusFor(res.Success), res)
}

// PowerCancel cancels a pending shutdown or reboot.
func (h *Handler) PowerCancel(c *gin.Context) {
	if !h.powerGuard(c) {
		return
	}
	res := h.power.CancelScheduledPowerAction(c.Request.Context())
	RecordAction(string(res.Action), res.Success)
	c.JSON(statusFor(res.Success), res)
}

// FlushFirewall removes every firewall rule on the defended host.
func (h *Handler) FlushFirewall(c *gin.Context) {
	if !h.powerGuard(c) {
		return
	}
	res := h.power.FlushFirewall(c.Request.Context())
	RecordAction(string(res.Action), res.Success)
	c.JSON(statusFor(res.Success), res)
}

func statusFor(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusBadGateway
}
