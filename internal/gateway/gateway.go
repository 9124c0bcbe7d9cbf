// Package gateway exposes the market's REST surface: product, pub/sub and
// transaction CRUD, the trade commit endpoint, and the websocket trade feed.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/internal/market/settlement"
	"github.com/clustermesh/capmarket/internal/market/store"
)

// Server is the market gateway.
type Server struct {
	router     *gin.Engine
	store      *store.Store
	dispatcher *settlement.Dispatcher
	broker     *settlement.Broker
	logger     *zap.Logger
}

// NewServer creates the gateway over a store and a settlement dispatcher.
func NewServer(st *store.Store, dispatcher *settlement.Dispatcher, broker *settlement.Broker, logger *zap.Logger) *Server {
	s := &Server{
		store:      st,
		dispatcher: dispatcher,
		broker:     broker,
		logger:     logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Handler returns the gateway as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws/trades", s.tradeFeed)
	s.router.POST("/function/blackhole", s.blackhole)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/prod", s.listProducts)
		v1.POST("/prod", s.insertProduct)
		v1.GET("/prod/:prodId", s.getProduct)
		v1.DELETE("/prod/:prodId", s.removeProduct)

		v1.GET("/prod/:prodId/price", s.listPriceHistogram)
		v1.GET("/prod/:prodId/price/stats", s.priceStats)
		v1.POST("/prod/:prodId/trade", s.trade)

		v1.PUT("/prod/:prodId/pub", s.insertPub)
		v1.GET("/prod/:prodId/pub/:priceId", s.getPub)
		v1.DELETE("/prod/:prodId/pub/:priceId", s.removePub)

		v1.PUT("/prod/:prodId/sub", s.insertSub)
		v1.GET("/prod/:prodId/sub/:priceId", s.getSub)
		v1.DELETE("/prod/:prodId/sub/:priceId", s.removeSub)

		v1.GET("/transaction", s.listTransactions)
		v1.GET("/transaction/:txId", s.getTransaction)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
