// Package greedy implements a single-pass continuous greedy double auction.
package greedy

import (
	"context"
	"sort"

	"github.com/clustermesh/capmarket/pkg/models"
)

// Solver matches asks (pub intents) against bids (sub intents) with
// price-time priority, honoring the bid's posted price on execution.
type Solver struct{}

// New creates a greedy solver.
func New() *Solver {
	return &Solver{}
}

// Solve runs one matching pass over the histogram. Malformed entries
// (negative cost, zero count, unknown direction) are dropped from the pass,
// not reported. The input histogram is never mutated.
func (s *Solver) Solve(_ context.Context, _ models.Product, histogram models.PriceHistogram) ([]models.TransactionTemplate, error) {
	asks := sideOf(histogram, models.DirectionPub)
	bids := sideOf(histogram, models.DirectionSub)

	// Price-time priority: cheapest ask first, highest bid first, earlier
	// submission wins ties on both sides.
	sort.SliceStable(asks, func(i, j int) bool {
		if asks[i].Cost != asks[j].Cost {
			return asks[i].Cost < asks[j].Cost
		}
		return asks[i].Timestamp.Before(asks[j].Timestamp)
	})
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Cost != bids[j].Cost {
			return bids[i].Cost > bids[j].Cost
		}
		return bids[i].Timestamp.Before(bids[j].Timestamp)
	})

	var templates []models.TransactionTemplate
	i, j := 0, 0
	for i < len(asks) && j < len(bids) {
		ask, bid := &asks[i], &bids[j]
		if ask.Cost > bid.Cost {
			break
		}

		// Both counts are positive after filtering; the max(1) clamp only
		// guards against unexpected upstream data.
		count := min(ask.Count, bid.Count)
		if count == 0 {
			count = 1
		}

		templates = append(templates, models.TransactionTemplate{
			PubID: ask.ID,
			SubID: bid.ID,
			Cost:  bid.Cost,
			Count: count,
		})

		// Withdraw the traded quantity from each cursor: advance when the
		// item is exhausted, otherwise decrement in place.
		if ask.Count <= count {
			i++
		} else {
			ask.Count -= count
		}
		if bid.Count <= count {
			j++
		} else {
			bid.Count -= count
		}
	}
	return templates, nil
}

// sideOf copies the valid items of one direction so the pass owns its queues.
func sideOf(histogram models.PriceHistogram, direction models.Direction) []models.PriceItem {
	items := make([]models.PriceItem, 0, len(histogram))
	for _, item := range histogram {
		if item.Direction != direction || item.Cost < 0 || item.Count == 0 {
			continue
		}
		items = append(items, item)
	}
	return items
}
