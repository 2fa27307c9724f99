package api

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router sets up HTTP routes for the API
type Router struct {
	handler *Handler
	engine  *gin.Engine
}

// NewRouter creates a new API router
func NewRouter(gw Gateway, opts Options, logger *zap.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	router := &Router{
		handler: NewHandler(gw, opts, logger),
		engine:  engine,
	}
	router.setupRoutes(opts.Gatherer)
	return router
}

// setupRoutes configures all HTTP routes
func (r *Router) setupRoutes(gatherer prometheus.Gatherer) {
	h := r.handler

	orders := r.engine.Group("/v1/orders")
	{
		orders.POST("", h.PlaceOrder)
		orders.GET("/:order_id", h.QueryOrder)
		orders.DELETE("/:order_id", h.CancelOrder)
		orders.POST("/:order_id/clear-anomaly", h.ClearAnomaly)
	}

	exchanges := r.engine.Group("/v1/exchanges/:exchange_id")
	{
		exchanges.POST("/reconcile", h.Reconcile)
		exchanges.GET("/circuit", h.CircuitState)
		exchanges.GET("/events", h.Events)
		exchanges.GET("/positions", h.Positions)
	}

	r.engine.GET("/healthz", h.Health)
	if gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// ServeHTTP implements http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// Handler returns the underlying HTTP handler
func (r *Router) Handler() http.Handler {
	return r.engine
}
