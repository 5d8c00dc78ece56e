package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tpsl-core/internal/closure"
	"tpsl-core/internal/events"
	"tpsl-core/internal/manager"
	"tpsl-core/internal/market"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
	"tpsl-core/internal/pricing"
	"tpsl-core/internal/queue"
	"tpsl-core/internal/worker"
	"tpsl-core/pkg/db"
)

type testEnv struct {
	server  *Server
	manager *manager.Manager
	store   *db.Queries
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	store := db.NewQueries(database)
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	log := zap.NewNop()

	feed := market.NewMockFeed()
	feed.Interval = 20 * time.Millisecond
	feed.Step = 0
	feed.SetPrice("BTCUSDT", 120)

	ps := pricing.NewService(feed, bus, metrics, log, pricing.Config{
		StaleAfter:         time.Minute,
		FailedFetchCeiling: 5,
	})
	qm := queue.NewManager(store, metrics, log, queue.Config{
		Interval:    time.Second,
		BackoffBase: time.Second,
		MaxAttempts: 3,
		Workers:     2,
	})
	ledger := closure.NewLedger(store)
	cs := closure.NewService(ledger, bus, metrics, log, closure.Config{})
	om := worker.NewOrderMonitor(ps, cs, log)
	mgr := manager.NewManager(ps, qm, om, cs, bus, metrics, log, manager.Config{
		HealthInterval: time.Minute,
	})

	srv := NewServer(mgr, ps, qm, om, cs, ledger, store, bus, metrics, log, Config{
		JWTSecret:   "test-secret",
		AdminAPIKey: "test-admin-key",
		TokenTTL:    time.Hour,
	})
	return &testEnv{server: srv, manager: mgr, store: store}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.manager.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.manager.Shutdown(ctx)
	})
}

func (e *testEnv) request(t *testing.T, method, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/auth/token", map[string]any{"api_key": "test-admin-key"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	e.token = resp.Token
}

func sampleOrder() position.MonitoredOrder {
	return position.MonitoredOrder{
		DealID:     "d1",
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Direction:  position.Long,
		Amount:     10,
		Multiplier: 5,
		OpenPrice:  100,
		TakeProfit: 25,
		OpenedAt:   time.Now(),
	}
}

func TestHealthReflectsSystemState(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, "uninitialized system must fail the probe")

	env.start(t)
	w = env.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTokenExchange(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	w := env.request(t, http.MethodPost, "/api/auth/token", map[string]any{"api_key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodGet, "/api/system/health", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, "admin routes must require a token")

	env.login(t)
	w = env.request(t, http.MethodGet, "/api/system/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	w := env.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "tpsl_")
}

func TestJobInspection(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.login(t)

	require.True(t, env.manager.AddOrderToMonitoring(context.Background(), sampleOrder()))

	w := env.request(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)

	w = env.request(t, http.MethodGet, "/api/jobs/"+queue.JobID("d1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job struct {
		DealID string                  `json:"deal_id"`
		Order  position.MonitoredOrder `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, "d1", job.DealID)
	require.Equal(t, 25.0, job.Order.TakeProfit)

	w = env.request(t, http.MethodGet, "/api/jobs/order-missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodDelete, "/api/orders/d1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(t, http.MethodDelete, "/api/orders/d1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeadLetterRequeue(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.login(t)

	order := sampleOrder()
	payload, err := json.Marshal(order)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertDeadLetter(context.Background(), db.DeadLetterJob{
		ID:       queue.JobID(order.DealID),
		DealID:   order.DealID,
		Payload:  payload,
		Error:    "price unavailable",
		FailedAt: time.Now(),
	}))

	w := env.request(t, http.MethodGet, "/api/deadletter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)

	w = env.request(t, http.MethodPost, "/api/deadletter/"+queue.JobID("d1")+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = env.store.GetJob(context.Background(), queue.JobID("d1"))
	require.NoError(t, err, "requeued order must have a live job again")
	_, err = env.store.GetDeadLetter(context.Background(), queue.JobID("d1"))
	require.ErrorIs(t, err, db.ErrNotFound, "requeued entry must leave the dead letter store")

	w = env.request(t, http.MethodDelete, "/api/deadletter/"+queue.JobID("d1"), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueuePauseResume(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.login(t)

	w := env.request(t, http.MethodPost, "/api/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats queue.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Stats.IsPaused)

	w = env.request(t, http.MethodPost, "/api/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
