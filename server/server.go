// Package server exposes the aggregator over HTTP: a control API, a
// WebSocket event stream, Prometheus metrics and recent logs and host
// resources.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookflow/aggregator"
	"bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// Controller is the aggregator surface the API drives.
type Controller interface {
	Subscribe(ctx context.Context, symbol string, exchanges []string) error
	UpdateExchanges(ctx context.Context, exchanges []string) error
	Unsubscribe(ctx context.Context, symbol string) error
	GetStatus(exchange string) models.Status
	Statuses() map[string]models.Status
	Reconnect(exchange string) error
	Symbol() string
	Exchanges() []string
	OrderBook() models.OrderBookData
	Bus() *aggregator.Bus
}

// BookSource serves merged books for symbols other than the active one.
type BookSource interface {
	Latest(ctx context.Context, symbol string) (models.OrderBookData, error)
}

type Server struct {
	cfg        config.ServerConfig
	ctrl       Controller
	books      BookSource
	log        *logger.Log
	entry      *logger.Entry
	httpServer *http.Server
	logStore   *logStore
	sampler    *resourceSampler
	supported  []string
}

// NewServer returns nil when the server is disabled. books may be nil.
func NewServer(cfg config.ServerConfig, ctrl Controller, books BookSource, supported []string, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.ResourceInterval <= 0 {
		cfg.ResourceInterval = 5 * time.Second
	}

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		books:     books,
		log:       log,
		entry:     log.WithComponent("server"),
		logStore:  store,
		sampler:   newResourceSampler(cfg.LogHistory, cfg.ResourceInterval, ctrl.Bus().Subscribers, log),
		supported: supported,
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.entry.WithFields(logger.Fields{"address": s.cfg.Address}).Info("http server listening")
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
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", s.stream)

	api := router.Group("/api")
	api.POST("/subscribe", s.subscribe)
	api.PUT("/exchanges", s.updateExchanges)
	api.POST("/unsubscribe", s.unsubscribe)
	api.GET("/status", s.statuses)
	api.GET("/status/:exchange", s.status)
	api.POST("/reconnect/:exchange", s.reconnect)
	api.GET("/orderbook/:symbol", s.orderBook)
	api.GET("/exchanges", s.exchanges)
	api.GET("/logs", s.logs)
	api.GET("/resources", s.resources)
	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
