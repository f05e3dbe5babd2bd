// Package gateway is the operational HTTP surface: pool reports, control
// loop status, operation submission, and a JWT-protected admin group for
// interventions like emergency scale-down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/txflow/internal/batch"
	"github.com/terminal-bench/txflow/internal/controller"
	"github.com/terminal-bench/txflow/internal/pool"
)

// ActionAuditor serves recent scale-action history. *history.AuditLog
// satisfies it.
type ActionAuditor interface {
	RecentActions(ctx context.Context, limit int) ([]pool.ScaleAction, error)
}

// Config holds gateway configuration.
type Config struct {
	Addr              string
	JWTSecret         string
	RateLimitWindow   time.Duration
	RateLimitMax      int
	BroadcastInterval time.Duration
}

// Gateway is the HTTP/websocket front end of the control loop.
type Gateway struct {
	cfg    Config
	router *gin.Engine

	control   *controller.Controller
	pools     *pool.Manager
	optimizer *batch.Optimizer
	auditor   ActionAuditor

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient

	rateLimiter *RateLimiter
}

// WSClient is one connected websocket consumer.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}
}

// New creates a gateway. The auditor may be nil; the actions endpoint
// then reports empty history.
func New(cfg Config, control *controller.Controller, pools *pool.Manager, optimizer *batch.Optimizer, auditor ActionAuditor) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 5 * time.Second
	}

	g := &Gateway{
		cfg:       cfg,
		router:    gin.New(),
		control:   control,
		pools:     pools,
		optimizer: optimizer,
		auditor:   auditor,
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.GET("/status", g.getStatus)
		v1.GET("/pools", g.getPoolReport)
		v1.GET("/pools/:id", g.getPool)
		v1.POST("/pools/:id/metrics", g.updatePoolMetrics)
		v1.GET("/actions", g.getScaleActions)
		v1.POST("/operations", g.submitOperation)
		v1.GET("/ws", g.handleWebSocket)

		admin := v1.Group("/admin", g.adminMiddleware())
		{
			admin.POST("/pools/emergency_scale_down", g.emergencyScaleDown)
			admin.POST("/sizing/run", g.runSizing)
		}
	}
}

// Router exposes the underlying handler, mostly for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Start serves until the listener fails.
func (g *Gateway) Start() error {
	return g.router.Run(g.cfg.Addr)
}

// Middleware

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := verifyToken(token, g.cfg.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.control.Status())
}

func (g *Gateway) getPoolReport(c *gin.Context) {
	c.JSON(http.StatusOK, g.pools.Report())
}

func (g *Gateway) getPool(c *gin.Context) {
	metrics, cfg, err := g.pools.Snapshot(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics, "config": cfg})
}

// MetricsUpdateRequest is one live sample from an external pool
// implementation.
type MetricsUpdateRequest struct {
	ActiveConnections int     `json:"active_connections" binding:"min=0"`
	QueueDepth        int     `json:"queue_depth" binding:"min=0"`
	ResponseTimeMs    float64 `json:"response_time_ms" binding:"min=0"`
}

func (g *Gateway) updatePoolMetrics(c *gin.Context) {
	var req MetricsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	metrics, err := g.pools.UpdateMetrics(c.Param("id"), req.ActiveConnections, req.QueueDepth, req.ResponseTimeMs)
	if err != nil {
		if errors.Is(err, pool.ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update metrics"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (g *Gateway) getScaleActions(c *gin.Context) {
	if g.auditor == nil {
		c.JSON(http.StatusOK, gin.H{"actions": []pool.ScaleAction{}})
		return
	}

	actions, err := g.auditor.RecentActions(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load actions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// SubmitOperationRequest queues one operation for batching.
type SubmitOperationRequest struct {
	Type           string `json:"type" binding:"required"`
	CostUnits      uint64 `json:"cost_units"`
	ResourceWrites int    `json:"resource_writes"`
	Priority       int    `json:"priority" binding:"required,min=1,max=10"`
}

func (g *Gateway) submitOperation(c *gin.Context) {
	var req SubmitOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	opType, ok := parseOperationType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation type"})
		return
	}

	batchID, err := g.optimizer.AddOperation(batch.Operation{
		Type:           opType,
		CostUnits:      req.CostUnits,
		ResourceWrites: req.ResourceWrites,
		Priority:       req.Priority,
	})
	if err != nil {
		if errors.Is(err, batch.ErrOperationTooLarge) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID})
}

// EmergencyScaleDownRequest shrinks every pool at once.
type EmergencyScaleDownRequest struct {
	Factor float64 `json:"factor" binding:"required,gt=0,lt=1"`
}

func (g *Gateway) emergencyScaleDown(c *gin.Context) {
	var req EmergencyScaleDownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "factor must be in (0,1)"})
		return
	}

	actions := g.pools.EmergencyScaleDown(req.Factor)
	log.Printf("gateway: emergency scale-down by %s affected %d pools", c.GetString("subject"), len(actions))
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (g *Gateway) runSizing(c *gin.Context) {
	applied := g.control.RunSizing(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func parseOperationType(s string) (batch.OperationType, bool) {
	switch s {
	case "appeal_submit":
		return batch.OpAppealSubmit, true
	case "appeal_review":
		return batch.OpAppealReview, true
	case "vote_cast":
		return batch.OpVoteCast, true
	case "proposal_create":
		return batch.OpProposalCreate, true
	case "log_append":
		return batch.OpLogAppend, true
	default:
		return 0, false
	}
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 16),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
		// Inbound messages are ignored; the stream is one-way.
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

// Broadcast pushes the current control-loop status to every connected
// websocket client on the configured interval, until ctx is cancelled.
func (g *Gateway) Broadcast(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			payload, err := json.Marshal(g.control.Status())
			if err != nil {
				continue
			}
			g.broadcast(payload)
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
			// Slow consumer, drop this update for it.
		}
	}
}

// RateLimiter is a sliding-window per-key limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// Allow reports whether the key is under its window limit, counting this
// request when it is.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
