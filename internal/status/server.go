// Package status serves the operational HTTP surface: liveness, connection
// health, session counts, prometheus metrics, runtime subscription changes
// and, when enabled, the websocket trade stream.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/subscription"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Sessions is the read side of the session registry.
type Sessions interface {
	Count() int
	Active() []session.ClientSession
}

// Health is the read side of the health tracker.
type Health interface {
	Snapshot() []health.Status
	Ready() bool
}

// Feed is one exchange connection whose subscriptions can be changed at runtime.
type Feed interface {
	Connection() string
	Exchange() string
	Pairs() []models.CurrencyPair
	Subscribe(ctx context.Context, pairs []models.CurrencyPair) (*subscription.Result, error)
	Unsubscribe(ctx context.Context, pairs []models.CurrencyPair) ([]models.CurrencyPair, error)
}

type Server struct {
	cfg      config.StatusConfig
	app      config.TradeflowConfig
	sessions Sessions
	health   Health
	feeds    map[string]Feed
	stream   http.Handler
	started  time.Time

	metricRecords *ring[metricRecord]
	stopMetrics   func()
	logs          *logHook
	sampler       *sampler

	httpServer *http.Server
	log        *logger.Log
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg config.StatusConfig, app config.TradeflowConfig, sessions Sessions, tracker Health, feeds []Feed, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	s := &Server{
		cfg:           cfg,
		app:           app,
		sessions:      sessions,
		health:        tracker,
		feeds:         make(map[string]Feed, len(feeds)),
		started:       time.Now().UTC(),
		metricRecords: newRing[metricRecord](cfg.MetricsHistory),
		logs:          newLogHook(cfg.LogHistory),
		sampler:       newSampler(cfg.MetricsHistory, 5*time.Second, "/", log),
		log:           log,
	}
	for _, f := range feeds {
		s.feeds[f.Connection()] = f
	}
	s.stopMetrics = metrics.Listen(func(m metrics.Metric) {
		s.metricRecords.add(metricRecordOf(m))
	})
	log.AddHook(s.logs)
	return s
}

// WithTradeStream mounts h on /ws/trades. A nil server ignores it.
func (s *Server) WithTradeStream(h http.Handler) *Server {
	if s != nil {
		s.stream = h
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.Router()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.stopMetrics()
	s.logs.close()
	s.sampler.stop()
}

// Address is the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Router builds the gin engine without starting a listener.
func (s *Server) Router() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.stream != nil {
		router.GET("/ws/trades", gin.WrapH(s.stream))
	}

	api := router.Group("/api")
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricRecords.snapshot()})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.records.snapshot()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.samples.snapshot()})
	})
	api.GET("/subscriptions", s.handleListSubscriptions)
	api.POST("/subscriptions/:connection", s.handleSubscribe)
	api.DELETE("/subscriptions/:connection", s.handleUnsubscribe)

	return router, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.health.Ready() {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
}

type sessionView struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Exchange  string    `json:"exchange"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleStatus(c *gin.Context) {
	active := s.sessions.Active()
	views := make([]sessionView, 0, len(active))
	for _, cs := range active {
		views = append(views, sessionView{
			ID:        cs.ID,
			ClientID:  cs.ClientID,
			Exchange:  cs.Exchange,
			Kind:      cs.Kind().String(),
			CreatedAt: cs.CreatedAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ClientID < views[j].ClientID })

	c.JSON(http.StatusOK, gin.H{
		"app":             s.app.Name,
		"version":         s.app.Version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"ready":           s.health.Ready(),
		"active_sessions": s.sessions.Count(),
		"sessions":        views,
		"connections":     s.health.Snapshot(),
	})
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	out := make(map[string][]string, len(s.feeds))
	for name, f := range s.feeds {
		out[name] = pairStrings(f.Pairs())
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

type pairsRequest struct {
	Pairs []string `json:"pairs" binding:"required,min=1,dive,required"`
}

func (s *Server) bindPairs(c *gin.Context) (Feed, []models.CurrencyPair, bool) {
	feed, ok := s.feeds[c.Param("connection")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return nil, nil, false
	}
	var req pairsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	pairs := make([]models.CurrencyPair, 0, len(req.Pairs))
	for _, raw := range req.Pairs {
		p, err := models.ParsePair(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, nil, false
		}
		pairs = append(pairs, p)
	}
	return feed, pairs, true
}

func (s *Server) handleSubscribe(c *gin.Context) {
	feed, pairs, ok := s.bindPairs(c)
	if !ok {
		return
	}
	res, err := feed.Subscribe(c.Request.Context(), pairs)
	if err != nil {
		var none *subscription.NoSupportedPairsError
		if errors.As(err, &none) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "rejected": rejectionViews(none.Rejections)})
			return
		}
		s.log.WithComponent("status").WithError(err).WithFields(logger.Fields{"connection": feed.Connection()}).Warn("subscribe failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connection": feed.Connection(),
		"accepted":   pairStrings(res.Request.Pairs),
		"rejected":   rejectionViews(res.Rejections),
		"active":     pairStrings(feed.Pairs()),
	})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	feed, pairs, ok := s.bindPairs(c)
	if !ok {
		return
	}
	removed, err := feed.Unsubscribe(c.Request.Context(), pairs)
	if err != nil {
		s.log.WithComponent("status").WithError(err).WithFields(logger.Fields{"connection": feed.Connection()}).Warn("unsubscribe failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connection": feed.Connection(),
		"removed":    pairStrings(removed),
		"active":     pairStrings(feed.Pairs()),
	})
}

func pairStrings(pairs []models.CurrencyPair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.String())
	}
	return out
}

func rejectionViews(rs []subscription.Rejection) []gin.H {
	out := make([]gin.H, 0, len(rs))
	for _, r := range rs {
		out = append(out, gin.H{"pair": r.Pair.String(), "reason": r.Reason})
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
