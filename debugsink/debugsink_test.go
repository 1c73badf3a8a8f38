package debugsink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planartrack/engine/scheduler"
)

type fakeStats struct{ s scheduler.Stats }

func (f fakeStats) Stats() scheduler.Stats { return f.s }

func TestStatsEndpointReturnsJSON(t *testing.T) {
	hub := NewHub(nil)
	srv := NewServer(hub, fakeStats{s: scheduler.Stats{FramesProcessed: 42}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got scheduler.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(42), got.FramesProcessed)
}

func TestStatsEndpointWithoutProviderReturns503(t *testing.T) {
	hub := NewHub(nil)
	srv := NewServer(hub, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebsocketReceivesPublishedMessage(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	srv := NewServer(hub, nil, nil)

	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the hub a moment to register the client before publishing
	time.Sleep(50 * time.Millisecond)
	hub.Publish(scheduler.FrameResult{FrameIndex: 9, ActiveTargetID: "poster-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got scheduler.FrameResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 9, got.FrameIndex)
	assert.Equal(t, "poster-1", got.ActiveTargetID)
}
