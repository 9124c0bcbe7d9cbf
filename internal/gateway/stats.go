package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clustermesh/capmarket/pkg/models"
)

// HistogramStats summarizes one product's outstanding intents.
type HistogramStats struct {
	Asks       int             `json:"asks"`
	Bids       int             `json:"bids"`
	BestAsk    *int64          `json:"bestAsk,omitempty"`
	BestBid    *int64          `json:"bestBid,omitempty"`
	Mid        decimal.Decimal `json:"mid"`
	Spread     decimal.Decimal `json:"spread"`
	AskVWAP    decimal.Decimal `json:"askVwap"`
	BidVWAP    decimal.Decimal `json:"bidVwap"`
	AskVolume  uint64          `json:"askVolume"`
	BidVolume  uint64          `json:"bidVolume"`
}

func (s *Server) priceStats(c *gin.Context) {
	prodID, ok := pathID(c, "prodId")
	if !ok {
		return
	}
	histogram, err := s.fullHistogram(c.Request.Context(), prodID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Ok(computeStats(histogram)))
}

// fullHistogram drains every page of a product's histogram.
func (s *Server) fullHistogram(ctx context.Context, prodID uuid.UUID) (models.PriceHistogram, error) {
	var histogram models.PriceHistogram
	var start *uuid.UUID
	for {
		page, err := s.store.ListPriceHistogram(ctx, prodID, models.Page{Start: start, Limit: models.DefaultPageLimit})
		if err != nil {
			return nil, err
		}
		histogram = append(histogram, page...)
		if len(page) < models.DefaultPageLimit {
			return histogram, nil
		}
		last := page[len(page)-1].ID
		start = &last
	}
}

// computeStats aggregates book shape with decimal arithmetic so the
// volume-weighted averages stay exact.
func computeStats(histogram models.PriceHistogram) HistogramStats {
	var stats HistogramStats
	askNotional, bidNotional := decimal.Zero, decimal.Zero

	for _, item := range histogram {
		if item.Cost < 0 || item.Count == 0 {
			continue
		}
		notional := decimal.NewFromInt(item.Cost).Mul(decimal.NewFromUint64(item.Count))
		switch item.Direction {
		case models.DirectionPub:
			stats.Asks++
			stats.AskVolume += item.Count
			askNotional = askNotional.Add(notional)
			if stats.BestAsk == nil || item.Cost < *stats.BestAsk {
				cost := item.Cost
				stats.BestAsk = &cost
			}
		case models.DirectionSub:
			stats.Bids++
			stats.BidVolume += item.Count
			bidNotional = bidNotional.Add(notional)
			if stats.BestBid == nil || item.Cost > *stats.BestBid {
				cost := item.Cost
				stats.BestBid = &cost
			}
		}
	}

	if stats.AskVolume > 0 {
		stats.AskVWAP = askNotional.Div(decimal.NewFromUint64(stats.AskVolume))
	}
	if stats.BidVolume > 0 {
		stats.BidVWAP = bidNotional.Div(decimal.NewFromUint64(stats.BidVolume))
	}
	if stats.BestAsk != nil && stats.BestBid != nil {
		ask := decimal.NewFromInt(*stats.BestAsk)
		bid := decimal.NewFromInt(*stats.BestBid)
		stats.Mid = ask.Add(bid).Div(decimal.NewFromInt(2))
		stats.Spread = ask.Sub(bid)
	}
	return stats
}
