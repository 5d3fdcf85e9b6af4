package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/circlesplit/splitledger/internal/auth"
	"github.com/circlesplit/splitledger/internal/registry"
	"github.com/circlesplit/splitledger/pkg/messaging"
)

// Gateway is the HTTP and websocket surface over the registry and its
// ledgers. It holds no engine state of its own.
type Gateway struct {
	router    *gin.Engine
	registry  *registry.Registry
	auth      *auth.Service
	msgClient *messaging.Client
	rdb       *redis.Client // optional read cache, nil-safe

	wsClients   map[uuid.UUID]*WSClient
	wsMu        sync.RWMutex
	rateLimiter *RateLimiter
}

// WSClient represents a connected websocket subscriber
type WSClient struct {
	ID     uuid.UUID
	Member uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	Done   chan struct{}
}

// RateLimiter implements per-key sliding-window rate limiting
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway configuration
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// NewGateway creates the gateway and wires its routes
func NewGateway(cfg Config, reg *registry.Registry, authSvc *auth.Service, msgClient *messaging.Client, rdb *redis.Client) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		registry:  reg,
		auth:      authSvc,
		msgClient: msgClient,
		rdb:       rdb,
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
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.correlationMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/token", g.issueToken)

		v1.POST("/groups", g.authMiddleware(), g.createGroup)
		v1.GET("/groups/owned", g.authMiddleware(), g.listOwnedGroups)
		v1.GET("/groups/member", g.authMiddleware(), g.listMemberGroups)

		v1.GET("/groups/:id", g.getGroup)
		v1.POST("/groups/:id/join", g.authMiddleware(), g.joinGroup)
		v1.POST("/groups/:id/leave", g.authMiddleware(), g.leaveGroup)
		v1.GET("/groups/:id/usage/:member", g.getUsage)

		v1.POST("/groups/:id/payments", g.authMiddleware(), g.splitPayment)
		v1.GET("/groups/:id/payments", g.listPayments)
		v1.GET("/groups/:id/payments/:pid", g.getPayment)
		v1.GET("/groups/:id/payments/:pid/failed", g.getFailedDetails)
		v1.GET("/groups/:id/payments/external/:eid", g.getPaymentByExternal)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start begins serving on addr. Call SubscribeEvents first if websocket
// streaming is wanted.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Handler exposes the router for http.Server integration and tests
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// SubscribeEvents forwards the domain event subjects to connected
// websocket clients
func (g *Gateway) SubscribeEvents() error {
	subjects := []string{
		messaging.SubjectGroupCreated,
		messaging.SubjectMemberJoined,
		messaging.SubjectMemberLeft,
		messaging.SubjectPaymentProcessed,
	}
	for _, subject := range subjects {
		if err := g.msgClient.Subscribe(subject, g.forwardEvent); err != nil {
			return err
		}
	}
	return nil
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("member", claims.Member)
		c.Next()
	}
}

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

func (g *Gateway) correlationMiddleware() gin.HandlerFunc {
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

func (g *Gateway) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if g.msgClient != nil {
		status["nats_connected"] = g.msgClient.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

// Websocket handling

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

	member := c.MustGet("member").(uuid.UUID)

	client := &WSClient{
		ID:     uuid.New(),
		Member: member,
		Conn:   conn,
		Send:   make(chan []byte, 64),
		Done:   make(chan struct{}),
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

func (g *Gateway) forwardEvent(msg *nats.Msg) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	envelope := []byte(`{"subject":"` + msg.Subject + `","data":` + string(msg.Data) + `}`)
	for _, client := range g.wsClients {
		select {
		case client.Send <- envelope:
		default:
			// Slow consumer, drop the event
		}
	}
}

// Allow checks if a request is allowed under the sliding window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0, len(requests))
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
