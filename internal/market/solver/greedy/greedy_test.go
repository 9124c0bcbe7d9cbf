package greedy

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustermesh/capmarket/pkg/models"
)

func item(id uuid.UUID, dir models.Direction, cost int64, count uint64, at time.Time) models.PriceItem {
	return models.PriceItem{ID: id, Direction: dir, Cost: cost, Count: count, Timestamp: at}
}

func TestSolve_EmptyHistogram(t *testing.T) {
	templates, err := New().Solve(context.Background(), models.Product{}, nil)
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestSolve_TwoAsksTwoBids(t *testing.T) {
	now := time.Now()
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()
	d := uuid.New()
	histogram := models.PriceHistogram{
		item(a, models.DirectionPub, 10, 5, now),
		item(b, models.DirectionPub, 12, 3, now),
		item(c, models.DirectionSub, 15, 4, now),
		item(d, models.DirectionSub, 11, 6, now),
	}

	templates, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	// A(10) fills C(15) at the bid price, then its remainder goes to D(11).
	// B(12) never trades: 12 > 11.
	assert.Equal(t, models.TransactionTemplate{PubID: a, SubID: c, Cost: 15, Count: 4}, templates[0])
	assert.Equal(t, models.TransactionTemplate{PubID: a, SubID: d, Cost: 11, Count: 1}, templates[1])
}

func TestSolve_NoCrossNoTrade(t *testing.T) {
	now := time.Now()
	histogram := models.PriceHistogram{
		item(uuid.New(), models.DirectionPub, 20, 5, now),
		item(uuid.New(), models.DirectionSub, 10, 5, now),
	}

	templates, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestSolve_EqualCostTradesAtBidPrice(t *testing.T) {
	now := time.Now()
	pubID := uuid.New()
	subID := uuid.New()
	histogram := models.PriceHistogram{
		item(pubID, models.DirectionPub, 7, 2, now),
		item(subID, models.DirectionSub, 7, 2, now),
	}

	templates, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, int64(7), templates[0].Cost)
	assert.Equal(t, uint64(2), templates[0].Count)
}

func TestSolve_DropsMalformedItems(t *testing.T) {
	now := time.Now()
	histogram := models.PriceHistogram{
		item(uuid.New(), models.DirectionPub, -1, 5, now), // negative cost
		item(uuid.New(), models.DirectionPub, 5, 0, now),  // zero count
		item(uuid.New(), models.DirectionSub, 9, 5, now),  // no counterpart left
	}

	templates, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestSolve_PriceTimePriority(t *testing.T) {
	now := time.Now()
	early := uuid.New()
	late := uuid.New()
	subID := uuid.New()
	histogram := models.PriceHistogram{
		item(late, models.DirectionPub, 10, 3, now.Add(time.Second)),
		item(early, models.DirectionPub, 10, 3, now),
		item(subID, models.DirectionSub, 10, 4, now),
	}

	templates, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	// The earlier ask is fully withdrawn before the later one is touched.
	assert.Equal(t, early, templates[0].PubID)
	assert.Equal(t, uint64(3), templates[0].Count)
	assert.Equal(t, late, templates[1].PubID)
	assert.Equal(t, uint64(1), templates[1].Count)
}

func TestSolve_InputHistogramNotMutated(t *testing.T) {
	now := time.Now()
	histogram := models.PriceHistogram{
		item(uuid.New(), models.DirectionPub, 5, 10, now),
		item(uuid.New(), models.DirectionSub, 8, 3, now),
	}

	_, err := New().Solve(context.Background(), models.Product{}, histogram)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), histogram[0].Count)
	assert.Equal(t, uint64(3), histogram[1].Count)
}

// TestSolve_Conservation checks that no ask or bid ever sells or buys more
// than its posted quantity, and that every trade clears at a crossing price,
// over a randomized set of histograms.
func TestSolve_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for trial := 0; trial < 100; trial++ {
		histogram := make(models.PriceHistogram, 0, 20)
		posted := make(map[uuid.UUID]uint64)
		cost := make(map[uuid.UUID]int64)
		for i := 0; i < 20; i++ {
			dir := models.DirectionPub
			if rng.Intn(2) == 1 {
				dir = models.DirectionSub
			}
			it := item(uuid.New(), dir, int64(rng.Intn(50)), uint64(rng.Intn(10)+1), now.Add(time.Duration(i)*time.Millisecond))
			posted[it.ID] = it.Count
			cost[it.ID] = it.Cost
			histogram = append(histogram, it)
		}

		templates, err := New().Solve(context.Background(), models.Product{}, histogram)
		require.NoError(t, err)

		traded := make(map[uuid.UUID]uint64)
		for _, tpl := range templates {
			require.Greater(t, tpl.Count, uint64(0))
			traded[tpl.PubID] += tpl.Count
			traded[tpl.SubID] += tpl.Count

			// Execution price is the bid's posted price, and the ask crossed.
			assert.Equal(t, cost[tpl.SubID], tpl.Cost)
			assert.LessOrEqual(t, cost[tpl.PubID], tpl.Cost)
		}
		for id, n := range traded {
			assert.LessOrEqual(t, n, posted[id], "intent %s overtraded", id)
		}
	}
}

func BenchmarkSolve(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	now := time.Now()
	histogram := make(models.PriceHistogram, 0, 10000)
	for i := 0; i < 10000; i++ {
		dir := models.DirectionPub
		if i%2 == 1 {
			dir = models.DirectionSub
		}
		histogram = append(histogram, item(uuid.New(), dir, int64(rng.Intn(1000)), uint64(rng.Intn(100)+1), now))
	}
	s := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Solve(context.Background(), models.Product{}, histogram); err != nil {
			b.Fatal(err)
		}
	}
}
