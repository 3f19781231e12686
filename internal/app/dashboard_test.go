package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/telemetry"
)

type dashRig struct {
	dash *Dashboard
	arm  *fakeArm
	srv  *httptest.Server
}

func newDashRig(t *testing.T) *dashRig {
	t.Helper()
	d, fa, _ := newTestDispatcher(t)
	dash := NewDashboard(fa, d, discardLogger())
	srv := httptest.NewServer(NewWebHandler(fa, d, dash, "", discardLogger()))
	t.Cleanup(srv.Close)
	return &dashRig{dash: dash, arm: fa, srv: srv}
}

func (r *dashRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads messages until one has the wanted type.
func next(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestDashboard_GreetsWithConfigAndStatus(t *testing.T) {
	r := newDashRig(t)
	conn := r.dial(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "config", first["type"])
	assert.Equal(t, "status", second["type"])
	assert.Equal(t, "Idle", second["state"])

	require.Eventually(t, r.dash.Available, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.dash.Clients())
}

func TestDashboard_RunsCommands(t *testing.T) {
	r := newDashRig(t)
	conn := r.dial(t)
	next(t, conn, "status")

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "manualControl", "action": "servo", "angle": 120}))
	msg := next(t, conn, "log")
	assert.Equal(t, "Servo moved to 120 degrees", msg["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "manualControl", "action": "servo"}))
	msg = next(t, conn, "log")
	assert.Equal(t, "error", msg["level"])
	assert.Contains(t, msg["message"], "Command failed")
}

func TestDashboard_ConfigChangeReachesEveryClient(t *testing.T) {
	r := newDashRig(t)
	a := r.dial(t)
	b := r.dial(t)
	next(t, a, "status")
	next(t, b, "status")
	require.Eventually(t, func() bool { return r.dash.Clients() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]any{"command": "setConfig", "config": map[string]any{"dropoffHoldTime": 1234}}))

	cfg := next(t, b, "config")
	assert.EqualValues(t, 1234, cfg["config"].(map[string]any)["dropoffHoldTime"])
}

func TestDashboard_BroadcastsEventsAndLogs(t *testing.T) {
	r := newDashRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.dash.Run(ctx, time.Hour) }()

	conn := r.dial(t)
	next(t, conn, "status")
	require.Eventually(t, r.dash.Available, time.Second, 5*time.Millisecond)

	r.arm.events <- arm.Event{Type: arm.EventStateChange, From: "Idle", State: "MoveToPickup"}
	msg := next(t, conn, arm.EventStateChange)
	assert.Equal(t, "MoveToPickup", msg["state"])
	// a fresh status follows every state change
	next(t, conn, "status")

	r.dash.Publish(telemetry.Entry{Level: "INFO", Message: "homing complete"})
	msg = next(t, conn, "log")
	assert.Equal(t, "homing complete", msg["message"])

	cancel()
	require.NoError(t, <-done)
	assert.False(t, r.dash.Available())
}
