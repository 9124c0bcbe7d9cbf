package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/internal/market/settlement"
	"github.com/clustermesh/capmarket/pkg/metrics"
	"github.com/clustermesh/capmarket/pkg/models"
)

// productSpec is the creation payload of a product.
type productSpec struct {
	Problem json.RawMessage `json:"problem" binding:"required"`
}

func pageFromQuery(c *gin.Context) (models.Page, bool) {
	var page models.Page
	if raw := c.Query("start"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.Err(err))
			return page, false
		}
		page.Start = &id
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.Err(err))
			return page, false
		}
		page.Limit = limit
	}
	return page.Normalize(), true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("gateway request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, models.Err(err))
}

func (s *Server) listProducts(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	ids, err := s.store.ListProductIDs(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(ids))
}

func (s *Server) insertProduct(c *gin.Context) {
	var spec productSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return
	}
	id, err := s.store.InsertProduct(c.Request.Context(), spec.Problem)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(id))
}

func (s *Server) getProduct(c *gin.Context) {
	id, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	product, err := s.store.GetProduct(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(product))
}

func (s *Server) removeProduct(c *gin.Context) {
	id, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	if err := s.store.RemoveProduct(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(nil))
}

func (s *Server) listPriceHistogram(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	histogram, err := s.store.ListPriceHistogram(c.Request.Context(), prodID, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(histogram))
}

// trade atomically commits a matched template and hands the committed
// transaction to the settlement dispatcher. Domain rejections are reported
// in the envelope; they are expected races, not server failures.
func (s *Server) trade(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	var template models.TransactionTemplate
	if err := c.ShouldBindJSON(&template); err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return
	}

	committed, err := s.store.Trade(c.Request.Context(), prodID, template)
	if err != nil {
		metrics.TradeCommitFailures.WithLabelValues(commitFailureReason(err)).Inc()
		switch {
		case errors.Is(err, models.ErrEmptyCount):
			c.JSON(http.StatusBadRequest, models.Err(err))
		case errors.Is(err, models.ErrOutOfPub), errors.Is(err, models.ErrOutOfSub):
			c.JSON(http.StatusConflict, models.Err(err))
		default:
			s.fail(c, err)
		}
		return
	}

	metrics.TradesCommitted.Inc()
	s.dispatcher.Dispatch(settlement.Settlement{
		Spec:        committed.Spec,
		PubEndpoint: committed.PubFunction.Endpoint,
		SubEndpoint: committed.SubFunction.Endpoint,
	})
	c.JSON(http.StatusOK, models.Ok(committed.Spec))
}

func commitFailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyCount):
		return "empty_count"
	case errors.Is(err, models.ErrOutOfPub):
		return "out_of_pub"
	case errors.Is(err, models.ErrOutOfSub):
		return "out_of_sub"
	default:
		return "internal"
	}
}

func (s *Server) insertPub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	var spec models.PubSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return
	}
	id, err := s.store.InsertPub(c.Request.Context(), prodID, spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(id))
}

func (s *Server) getPub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	id, ok := pathID(c, "priceId")
	if !ok {
		return
	}
	spec, err := s.store.GetPub(c.Request.Context(), prodID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(spec))
}

func (s *Server) removePub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	id, ok := pathID(c, "priceId")
	if !ok {
		return
	}
	if err := s.store.RemovePub(c.Request.Context(), prodID, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(nil))
}

func (s *Server) insertSub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	var spec models.SubSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return
	}
	id, err := s.store.InsertSub(c.Request.Context(), prodID, spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(id))
}

func (s *Server) getSub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	id, ok := pathID(c, "priceId")
	if !ok {
		return
	}
	spec, err := s.store.GetSub(c.Request.Context(), prodID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(spec))
}

func (s *Server) removeSub(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	id, ok := pathID(c, "priceId")
	if !ok {
		return
	}
	if err := s.store.RemoveSub(c.Request.Context(), prodID, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(nil))
}

func (s *Server) listTransactions(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	ids, err := s.store.ListTransactionIDs(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(ids))
}

func (s *Server) getTransaction(c *gin.Context) {
	id, ok := pathID(c, "txId")
	if !ok {
		return
	}
	spec, err := s.store.GetTransaction(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(spec))
}

// blackhole is a trivial webhook target that acknowledges every receipt.
// Useful as a default function endpoint in tests and demos.
func (s *Server) blackhole(c *gin.Context) {
	var receipt models.TransactionReceipt
	if err := c.ShouldBindJSON(&receipt); err != nil {
		c.JSON(http.StatusBadRequest, models.Err(err))
		return
	}
	s.logger.Debug("blackhole swallowed receipt",
		zap.String("transaction_id", receipt.ID.String()))
	c.JSON(http.StatusOK, models.Ok(nil))
}
