package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/eventbus"
	"github.com/trailsd/trails/internal/registry"
	"github.com/trailsd/trails/internal/session"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/store/storetest"
	"github.com/trailsd/trails/internal/timers"
	"github.com/trailsd/trails/internal/wire"
)

func TestHealthz(t *testing.T) {
	srv := &Server{Handler: &session.Handler{}, Addr: ":0"}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "unknown", body["breaker_state"])
	assert.EqualValues(t, 0, body["live_sessions"])
}

func TestHealthz_ReportsBreakerState(t *testing.T) {
	st := store.WithBreaker(storetest.New())
	h := &session.Handler{Store: st, Registry: registry.New()}
	srv := &Server{Handler: h, Addr: ":0"}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "closed", body["breaker_state"])
}

func TestMetricsMounted(t *testing.T) {
	srv := &Server{Handler: &session.Handler{}, Addr: ":0"}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestConnectEndToEnd drives a real WebSocket round trip through
// /v1/sessions/connect: register, one Status message, graceful disconnect.
func TestConnectEndToEnd(t *testing.T) {
	st := storetest.New()
	conf, err := config.Load("")
	require.NoError(t, err)
	d := conf.Get()
	d.SecurityTier = wire.TierOpen
	require.NoError(t, conf.Set(d))

	startWheel := timers.NewStartDeadlineWheel(func(uuid.UUID) {})
	graceWheel := timers.NewReconnectGraceWheel(func(uuid.UUID) {})
	defer startWheel.Close()
	defer graceWheel.Close()

	h := &session.Handler{
		Store:       st,
		Registry:    registry.New(),
		Bus:         eventbus.New(),
		StartWheel:  startWheel,
		GraceWheel:  graceWheel,
		Conf:        conf,
		HubInstance: "test-hub",
	}
	defer h.Bus.Close()

	srv := &Server{Handler: h, Addr: ":0"}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	childID := uuid.New()
	_, err = st.CreateIntent(context.Background(), store.CreateIntentParams{
		ChildID: childID, Name: "child", StartDeadline: time.Minute,
	})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/connect"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	register, err := json.Marshal(wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, register))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ackRaw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack wire.Ack
	require.NoError(t, json.Unmarshal(ackRaw, &ack))
	assert.Equal(t, wire.TypeAck, ack.Type)

	msg, err := json.Marshal(wire.Envelope{
		Type:    wire.TypeMessage,
		Header:  &wire.MessageHeader{MsgType: wire.KindStatus, Seq: 1, Timestamp: time.Now()},
		Payload: json.RawMessage(`{"phase":"p"}`),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	disc, err := json.Marshal(wire.Envelope{Type: wire.TypeDisconnect, Reason: "completed"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, disc))

	require.Eventually(t, func() bool {
		status, err := st.GetStatus(context.Background(), childID)
		return err == nil && status != nil && status.State == store.StateDone
	}, 2*time.Second, 20*time.Millisecond)
}
