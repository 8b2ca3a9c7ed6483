package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/gateway"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

type refresherMock struct {
	mock.Mock
}

func (m *refresherMock) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type connInfoStub struct {
	info ws.ConnInfo
}

func (s connInfoStub) Info() ws.ConnInfo { return s.info }

type debugFixture struct {
	router    *gin.Engine
	rec       *store.Reconciler
	refresher *refresherMock
	publisher *mocks.PublisherMock
	clock     *clockwork.FakeClock
}

func setupDebugRouter(t *testing.T, token string) *debugFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	st, rec := store.New(store.Options{LocalUserID: "op1", Clock: clock})
	f := &debugFixture{
		rec:       rec,
		refresher: new(refresherMock),
		publisher: new(mocks.PublisherMock),
		clock:     clock,
	}
	f.router = NewDebugRouter(DebugDeps{
		Service:   "chat-sync",
		State:     st,
		Refresher: f.refresher,
		Conn: connInfoStub{info: ws.ConnInfo{
			ConnID:      "conn-1",
			URL:         "ws://push/ws",
			Session:     2,
			ConnectedAt: clock.Now().Add(-90 * time.Second),
		}},
		Audit: telemetry.NewAuditEmitter(f.publisher, "chat.audit", "chat-sync", "test", "op1", clock),
		Token: token,
		Clock: clock,
	})
	return f
}

func serve(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndReadiness(t *testing.T) {
	f := setupDebugRouter(t, "")

	rec := serve(f.router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = serve(f.router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.rec.SetConnectionState(models.ConnConnected, false)
	rec = serve(f.router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposesSyncCollectors(t *testing.T) {
	f := setupDebugRouter(t, "")
	f.rec.SetConnectionState(models.ConnConnected, false)

	rec := serve(f.router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_sync_connection_state")
}

func TestDebugStateReturnsSnapshot(t *testing.T) {
	f := setupDebugRouter(t, "")
	f.rec.UpsertConversation(models.Conversation{ID: "c1", Title: "Support #1", Status: models.ChatStatusActive, CreatedAt: f.clock.Now()})

	rec := serve(f.router, http.MethodGet, "/debug/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap store.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "c1", snap.Conversations[0].ID)
	assert.Equal(t, models.ConnDisconnected, snap.Connection)
}

func TestDebugConnectionReportsUptime(t *testing.T) {
	f := setupDebugRouter(t, "")

	rec := serve(f.router, http.MethodGet, "/debug/connection", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Info   ws.ConnInfo `json:"info"`
		Uptime float64     `json:"uptime_seconds"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Info.Session)
	assert.Equal(t, 90.0, resp.Uptime)
}

func TestDebugRoutesRequireToken(t *testing.T) {
	f := setupDebugRouter(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, serve(f.router, http.MethodGet, "/debug/state", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(f.router, http.MethodGet, "/debug/state", "wrong").Code)
	assert.Equal(t, http.StatusOK, serve(f.router, http.MethodGet, "/debug/state", "s3cret").Code)
	assert.Equal(t, http.StatusOK, serve(f.router, http.MethodGet, "/healthz", "").Code)
}

func TestDebugRefresh(t *testing.T) {
	f := setupDebugRouter(t, "")
	f.refresher.On("Refresh", mock.Anything).Return(nil).Once()
	f.refresher.On("Refresh", mock.Anything).Return(&gateway.CommandError{Op: "list_my_chats", Kind: gateway.KindNetwork, Err: assert.AnError}).Once()

	rec := serve(f.router, http.MethodPost, "/debug/refresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(f.router, http.MethodPost, "/debug/refresh", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "network", resp["kind"])
	f.refresher.AssertExpectations(t)
}

func TestDebugAuditTestPublishes(t *testing.T) {
	f := setupDebugRouter(t, "")
	f.publisher.On("Publish", mock.Anything, "chat.audit."+telemetry.KindAuditTest, mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Kind == telemetry.KindAuditTest && env.RequestID == "req-42"
	}), mock.Anything).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/debug/audit-test", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	f.publisher.AssertExpectations(t)
}
