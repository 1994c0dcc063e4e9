package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeit/server/internal/config"
	"github.com/codeit/server/internal/files"
	"github.com/codeit/server/internal/hub"
	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/models"
	"github.com/codeit/server/internal/presence"
	"github.com/codeit/server/internal/relay"
	"github.com/codeit/server/internal/session"
	"github.com/codeit/server/internal/state"
)

func newTestServer(t *testing.T, store state.Store, origins ...string) *httptest.Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := &config.Config{InstanceID: "test-instance", CORSOrigins: origins}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.New(cfg.InstanceID, store, relay.NewMemoryBus(), nil, hub.WithOriginCheck(cfg.AllowsOrigin))
	coordinator := session.NewCoordinator(files.NewService(store), presence.NewTracker(store), h)
	h.SetHandler(coordinator)
	require.NoError(t, h.Start(ctx))

	s := &Server{
		cfg:         cfg,
		store:       store,
		hub:         h,
		coordinator: coordinator,
		mode:        modeStandalone,
		log:         logger.For("server"),
	}
	srv := httptest.NewServer(s.setupRouter())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, state.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, modeStandalone, body["mode"])
	assert.Equal(t, "test-instance", body["instance"])
}

func TestHealthReportsStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	srv := newTestServer(t, state.NewRedisStore(client))
	mr.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, state.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, state.NewMemoryStore(), "http://app.test")

	req, err := http.NewRequest("OPTIONS", srv.URL+"/api/rooms/r1/members", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://app.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := newTestServer(t, state.NewMemoryStore())

	alice := dial(t, srv)
	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":    "join",
		"payload": map[string]string{"roomId": "r1", "displayName": "alice"},
	}))

	joined := readEvent(t, alice)
	assert.Equal(t, models.EventJoined, joined.Type)
	synced := readEvent(t, alice)
	require.Equal(t, models.EventFileSync, synced.Type)

	var fs models.FileSyncPayload
	require.NoError(t, synced.Decode(&fs))
	require.Len(t, fs.Files, 1)

	bob := dial(t, srv)
	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"type":    "join",
		"payload": map[string]string{"roomId": "r1", "displayName": "bob"},
	}))
	assert.Equal(t, models.EventJoined, readEvent(t, alice).Type)
	assert.Equal(t, models.EventJoined, readEvent(t, bob).Type)
	assert.Equal(t, models.EventFileSync, readEvent(t, bob).Type)

	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"type":    "codeChange",
		"payload": map[string]string{"fileId": fs.Files[0].ID, "content": "console.log(1)"},
	}))
	change := readEvent(t, alice)
	assert.Equal(t, models.EventCodeChange, change.Type)

	resp, err := http.Get(srv.URL + "/api/rooms/r1/members")
	require.NoError(t, err)
	var body struct {
		RoomID  string          `json:"roomId"`
		Members []models.Member `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "r1", body.RoomID)
	assert.Len(t, body.Members, 2)

	bob.Close()
	gone := readEvent(t, alice)
	assert.Equal(t, models.EventDisconnected, gone.Type)
}

func TestConnectBackendsFallsBackToStandalone(t *testing.T) {
	cfg := &config.Config{
		RedisURL:   "127.0.0.1:1",
		BusDriver:  config.BusRedis,
		InstanceID: "i1",
	}

	b := connectBackends(context.Background(), cfg, logger.For("server"))
	defer b.store.Close()

	assert.Equal(t, modeStandalone, b.mode)
	assert.Nil(t, b.redis)
	assert.IsType(t, &state.MemoryStore{}, b.store)
	assert.IsType(t, &relay.MemoryBus{}, b.bus)
}

func TestConnectBackendsCluster(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		RedisURL:   mr.Addr(),
		BusDriver:  config.BusRedis,
		InstanceID: "i1",
	}

	b := connectBackends(context.Background(), cfg, logger.For("server"))
	defer b.store.Close()
	defer b.bus.Close()

	assert.Equal(t, modeCluster, b.mode)
	assert.IsType(t, &relay.RedisBus{}, b.bus)
}

func TestConnectBackendsKeepsEventsLocalWithoutStore(t *testing.T) {
	natsURL := os.Getenv("NATS_TEST_URL")
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:1"
	}
	cfg := &config.Config{
		RedisURL:   "127.0.0.1:1",
		BusDriver:  config.BusNATS,
		NATSURL:    natsURL,
		InstanceID: "i1",
	}

	b := connectBackends(context.Background(), cfg, logger.For("server"))
	defer b.store.Close()
	defer b.bus.Close()

	assert.Equal(t, modeStandalone, b.mode)
	assert.IsType(t, &relay.MemoryBus{}, b.bus)
}
