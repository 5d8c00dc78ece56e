// Package api is the administrative HTTP surface: a thin, authenticated
// wrapper over the monitoring core for operators and tooling. Nothing in
// the core depends on it.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tpsl-core/internal/closure"
	"tpsl-core/internal/events"
	"tpsl-core/internal/manager"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/pricing"
	"tpsl-core/internal/queue"
	"tpsl-core/internal/worker"
	"tpsl-core/pkg/db"
)

// Config carries the server's auth and limits.
type Config struct {
	JWTSecret   string
	AdminAPIKey string
	TokenTTL    time.Duration
}

// Server wires admin endpoints around the orchestrator and its parts.
type Server struct {
	Router *gin.Engine

	manager *manager.Manager
	pricing *pricing.Service
	queue   *queue.Manager
	worker  *worker.OrderMonitor
	closer  *closure.Service
	ledger  *closure.Ledger
	store   *db.Queries
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	cfg     Config

	limiter *ipLimiter
}

func NewServer(
	mgr *manager.Manager,
	ps *pricing.Service,
	qm *queue.Manager,
	om *worker.OrderMonitor,
	cs *closure.Service,
	ledger *closure.Ledger,
	store *db.Queries,
	bus *events.Bus,
	metrics *monitor.Metrics,
	log *zap.Logger,
	cfg Config,
) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{
		Router:  r,
		manager: mgr,
		pricing: ps,
		queue:   qm,
		worker:  om,
		closer:  cs,
		ledger:  ledger,
		store:   store,
		bus:     bus,
		metrics: metrics,
		log:     log.Named("api"),
		cfg:     cfg,
		limiter: newIPLimiter(20, 50),
	}

	// Middleware order matters: recovery first, then request identity,
	// then logging, then throttling.
	r.Use(gin.Recovery())
	r.Use(s.requestID())
	r.Use(s.requestLogger())
	r.Use(s.rateLimit())
	r.Use(s.timeout(30 * time.Second))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	s.Router.GET("/ws/health", s.healthFeed)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		admin := api.Group("")
		admin.Use(s.authRequired())
		{
			admin.GET("/system/health", s.getSystemHealth)
			admin.GET("/system/stats", s.getSystemStats)
			admin.GET("/system/uptime", s.getUptime)
			admin.POST("/system/shutdown", s.shutdownSystem)
			admin.POST("/system/emergency-stop", s.emergencyStop)

			admin.GET("/queue/stats", s.getQueueStats)
			admin.POST("/queue/pause", s.pauseQueue)
			admin.POST("/queue/resume", s.resumeQueue)

			admin.GET("/jobs", s.listJobs)
			admin.GET("/jobs/:id", s.getJob)
			admin.DELETE("/orders/:dealId", s.removeOrder)

			admin.GET("/deadletter", s.listDeadLetters)
			admin.POST("/deadletter/:id/requeue", s.requeueDeadLetter)
			admin.DELETE("/deadletter/:id", s.deleteDeadLetter)

			admin.GET("/closures/errors", s.getClosureErrors)
			admin.GET("/closures/:dealId", s.getClosureHistory)
		}
	}
}

// health is the unauthenticated liveness probe.
func (s *Server) health(c *gin.Context) {
	h := s.manager.GetSystemHealth()
	status := http.StatusOK
	if !h.Overall {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
