package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clustermesh/capmarket/internal/market/settlement"
	"github.com/clustermesh/capmarket/internal/market/store"
	"github.com/clustermesh/capmarket/pkg/models"
)

type testGateway struct {
	server     *httptest.Server
	dispatcher *settlement.Dispatcher
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.New(db, zap.NewNop(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := settlement.NewBroker()
	dispatcher := settlement.NewDispatcher(st, broker, nil, zap.NewNop(), settlement.Options{
		CallTimeout: time.Second,
		MaxAttempts: 2,
		RetryMin:    time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	})

	gw := NewServer(st, dispatcher, broker, zap.NewNop())
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return &testGateway{server: server, dispatcher: dispatcher}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (g *testGateway) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, g.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (g *testGateway) createProduct(t *testing.T, problem string) uuid.UUID {
	t.Helper()
	status, env := g.do(t, http.MethodPost, "/api/v1/prod", gin.H{"problem": json.RawMessage(problem)})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var id uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &id))
	return id
}

func TestProductLifecycle(t *testing.T) {
	g := newTestGateway(t)

	id := g.createProduct(t, `{"kind":"vm","cpu":4}`)
	again := g.createProduct(t, `{"kind":"vm","cpu":4}`)
	assert.Equal(t, id, again, "identical problems resolve to one product")

	status, env := g.do(t, http.MethodGet, "/api/v1/prod/"+id.String(), nil)
	require.Equal(t, http.StatusOK, status)
	var product models.Product
	require.NoError(t, json.Unmarshal(env.Data, &product))
	assert.Equal(t, id, product.ID)
	assert.JSONEq(t, `{"kind":"vm","cpu":4}`, string(product.Problem))

	status, env = g.do(t, http.MethodGet, "/api/v1/prod", nil)
	require.Equal(t, http.StatusOK, status)
	var ids []uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &ids))
	assert.Contains(t, ids, id)

	status, _ = g.do(t, http.MethodDelete, "/api/v1/prod/"+id.String(), nil)
	require.Equal(t, http.StatusOK, status)

	status, env = g.do(t, http.MethodGet, "/api/v1/prod/"+id.String(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", string(env.Data), "removed product reads as null")
}

func TestInsertProduct_MissingProblem(t *testing.T) {
	g := newTestGateway(t)
	status, env := g.do(t, http.MethodPost, "/api/v1/prod", gin.H{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.OK)
}

func TestBadIdentifiersAndQueries(t *testing.T) {
	g := newTestGateway(t)

	status, _ := g.do(t, http.MethodGet, "/api/v1/prod/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = g.do(t, http.MethodGet, "/api/v1/prod?start=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = g.do(t, http.MethodGet, "/api/v1/prod?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPriceHistogramPagination(t *testing.T) {
	g := newTestGateway(t)
	prodID := g.createProduct(t, `{"kind":"disk"}`)

	for i := 0; i < 5; i++ {
		status, env := g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/pub",
			models.PubSpec{Cost: int64(10 + i), Count: 1})
		require.Equal(t, http.StatusOK, status)
		require.True(t, env.OK)
	}

	var seen []uuid.UUID
	start := ""
	for {
		path := fmt.Sprintf("/api/v1/prod/%s/price?limit=2%s", prodID, start)
		status, env := g.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, status)
		var page models.PriceHistogram
		require.NoError(t, json.Unmarshal(env.Data, &page))
		for _, item := range page {
			seen = append(seen, item.ID)
		}
		if len(page) < 2 {
			break
		}
		start = "&start=" + page[len(page)-1].ID.String()
	}
	assert.Len(t, seen, 5)
}

func TestPubSubRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	prodID := g.createProduct(t, `{"kind":"gpu"}`)

	status, env := g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/sub",
		models.SubSpec{Cost: 42, Count: 7, Function: models.WebhookSpec{Endpoint: "http://example.com/hook"}})
	require.Equal(t, http.StatusOK, status)
	var subID uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &subID))

	status, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodID, subID), nil)
	require.Equal(t, http.StatusOK, status)
	var spec models.SubSpec
	require.NoError(t, json.Unmarshal(env.Data, &spec))
	assert.Equal(t, int64(42), spec.Cost)
	assert.Equal(t, uint64(7), spec.Count)
	assert.Equal(t, "http://example.com/hook", spec.Function.Endpoint)

	// A sub is not visible through the pub endpoint.
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/pub/%s", prodID, subID), nil)
	assert.Equal(t, "null", string(env.Data))

	status, _ = g.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodID, subID), nil)
	require.Equal(t, http.StatusOK, status)
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodID, subID), nil)
	assert.Equal(t, "null", string(env.Data))
}

func TestIntentNotReachableUnderOtherProduct(t *testing.T) {
	g := newTestGateway(t)
	prodA := g.createProduct(t, `{"kind":"a"}`)
	prodB := g.createProduct(t, `{"kind":"b"}`)

	_, env := g.do(t, http.MethodPut, "/api/v1/prod/"+prodA.String()+"/sub",
		models.SubSpec{Cost: 5, Count: 1})
	var subID uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &subID))

	// Reading through another product's path yields nothing.
	status, env := g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodB, subID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", string(env.Data))

	// Deleting through another product's path must not touch the intent.
	status, _ = g.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodB, subID), nil)
	require.Equal(t, http.StatusOK, status)
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodA, subID), nil)
	require.NotEqual(t, "null", string(env.Data))
	var spec models.SubSpec
	require.NoError(t, json.Unmarshal(env.Data, &spec))
	assert.Equal(t, int64(5), spec.Cost)
}

func TestTradeFlow(t *testing.T) {
	g := newTestGateway(t)
	prodID := g.createProduct(t, `{"kind":"vm"}`)
	blackhole := g.server.URL + "/function/blackhole"

	_, env := g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/pub",
		models.PubSpec{Cost: 10, Count: 5, Function: models.WebhookSpec{Endpoint: blackhole}})
	var pubID uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &pubID))

	_, env = g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/sub",
		models.SubSpec{Cost: 12, Count: 3, Function: models.WebhookSpec{Endpoint: blackhole}})
	var subID uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &subID))

	status, env := g.do(t, http.MethodPost, "/api/v1/prod/"+prodID.String()+"/trade",
		models.TransactionTemplate{PubID: pubID, SubID: subID, Cost: 12, Count: 3})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var spec models.TransactionSpec
	require.NoError(t, json.Unmarshal(env.Data, &spec))
	assert.Equal(t, prodID, spec.ProductID)
	assert.Equal(t, models.TaskRunning, spec.PubSpec.State)
	assert.Equal(t, models.TaskRunning, spec.SubSpec.State)

	g.dispatcher.Wait()

	status, env = g.do(t, http.MethodGet, "/api/v1/transaction/"+spec.ID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	var settled models.TransactionSpec
	require.NoError(t, json.Unmarshal(env.Data, &settled))
	assert.Equal(t, models.TaskCompleted, settled.PubSpec.State)
	assert.Equal(t, models.TaskCompleted, settled.SubSpec.State)

	status, env = g.do(t, http.MethodGet, "/api/v1/transaction", nil)
	require.Equal(t, http.StatusOK, status)
	var txIDs []uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &txIDs))
	assert.Contains(t, txIDs, spec.ID)

	// The pub had 5 units and sold 3; the remainder stays on the book.
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/pub/%s", prodID, pubID), nil)
	var remaining models.PubSpec
	require.NoError(t, json.Unmarshal(env.Data, &remaining))
	assert.Equal(t, uint64(2), remaining.Count)

	// The sub is exhausted and withdrawn.
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/sub/%s", prodID, subID), nil)
	assert.Equal(t, "null", string(env.Data))
}

func TestTradeRejections(t *testing.T) {
	g := newTestGateway(t)
	prodID := g.createProduct(t, `{"kind":"vm"}`)

	_, env := g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/pub",
		models.PubSpec{Cost: 10, Count: 2})
	var pubID uuid.UUID
	require.NoError(t, json.Unmarshal(env.Data, &pubID))

	status, env := g.do(t, http.MethodPost, "/api/v1/prod/"+prodID.String()+"/trade",
		models.TransactionTemplate{PubID: pubID, SubID: uuid.New(), Cost: 10, Count: 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.OK)

	// Missing sub is an inventory conflict, not a server failure.
	status, env = g.do(t, http.MethodPost, "/api/v1/prod/"+prodID.String()+"/trade",
		models.TransactionTemplate{PubID: pubID, SubID: uuid.New(), Cost: 10, Count: 1})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, env.OK)

	// A rejected trade must not touch the pub's inventory.
	_, env = g.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prod/%s/pub/%s", prodID, pubID), nil)
	var spec models.PubSpec
	require.NoError(t, json.Unmarshal(env.Data, &spec))
	assert.Equal(t, uint64(2), spec.Count)
}

func TestPriceStats(t *testing.T) {
	g := newTestGateway(t)
	prodID := g.createProduct(t, `{"kind":"net"}`)

	g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/pub", models.PubSpec{Cost: 10, Count: 4})
	g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/pub", models.PubSpec{Cost: 14, Count: 2})
	g.do(t, http.MethodPut, "/api/v1/prod/"+prodID.String()+"/sub", models.SubSpec{Cost: 8, Count: 3})

	status, env := g.do(t, http.MethodGet, "/api/v1/prod/"+prodID.String()+"/price/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats HistogramStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))

	assert.Equal(t, 2, stats.Asks)
	assert.Equal(t, 1, stats.Bids)
	require.NotNil(t, stats.BestAsk)
	require.NotNil(t, stats.BestBid)
	assert.Equal(t, int64(10), *stats.BestAsk)
	assert.Equal(t, int64(8), *stats.BestBid)
	assert.Equal(t, uint64(6), stats.AskVolume)
	assert.Equal(t, uint64(3), stats.BidVolume)
	// (4*10 + 2*14) / 6
	assert.True(t, stats.AskVWAP.Equal(decimalFromString(t, "11.3333333333333333")),
		"ask vwap = %s", stats.AskVWAP)
	assert.True(t, stats.Mid.Equal(decimalFromString(t, "9")))
	assert.True(t, stats.Spread.Equal(decimalFromString(t, "2")))
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestHealthAndMetrics(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.server.Client().Get(g.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = g.server.Client().Get(g.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
