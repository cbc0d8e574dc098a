package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/activation"
	"github.com/moduleplane/moduleplane/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	bus *activation.Bus
	reg chan models.RegistryEvent
}

func (f *fakeSource) Events() *activation.Bus { return f.bus }

func (f *fakeSource) RegistryEvents(buffer int) (<-chan models.RegistryEvent, func()) {
	return f.reg, func() {}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(context.Background())

	assert.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
}

func TestHubClientRegistration(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()
	defer hub.Stop()

	assert.Equal(t, 0, hub.GetClientCount())

	client := &Client{send: make(chan []byte, 256)}
	hub.register <- client

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubClientUnregistration(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()
	defer hub.Stop()

	client := &Client{send: make(chan []byte, 256)}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastActivationEvent(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()
	defer hub.Stop()

	client := &Client{send: make(chan []byte, 4)}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	err := hub.BroadcastActivationEvent(models.ActivationEvent{
		ModuleID:     "billing",
		TenantID:     "acme",
		ActivationID: "act-1",
		Seq:          3,
		Kind:         models.EventStepCompleted,
		Payload:      map[string]any{"step": "warm"},
	})
	require.NoError(t, err)

	select {
	case frame := <-client.send:
		var msg models.WebSocketMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, "activation_event", msg.Type)
		assert.False(t, msg.Timestamp.IsZero())

		event, ok := msg.Event.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "billing", event["module_id"])
		assert.Equal(t, "acme", event["tenant_id"])
		assert.Equal(t, "step_completed", event["kind"])
		assert.EqualValues(t, 3, event["seq"])
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestHubBroadcastRegistryEvent(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()
	defer hub.Stop()

	client := &Client{send: make(chan []byte, 4)}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	err := hub.BroadcastRegistryEvent(models.RegistryEvent{
		Kind:     models.RegistryStatusChanged,
		ModuleID: "billing",
		Version:  "1.2.0",
		From:     models.ModuleInstalled,
		To:       models.ModuleActive,
	})
	require.NoError(t, err)

	select {
	case frame := <-client.send:
		var msg models.WebSocketMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, "registry_event", msg.Type)

		event, ok := msg.Event.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "status_changed", event["kind"])
		assert.Equal(t, "1.2.0", event["version"])
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestHubSlowClientDropped(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()
	defer hub.Stop()

	// Zero-capacity send channel with no reader: first broadcast drops it.
	client := &Client{send: make(chan []byte)}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.BroadcastActivationEvent(models.ActivationEvent{ModuleID: "billing"}))

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubStop(t *testing.T) {
	hub := NewHub(context.Background())
	go hub.Run()

	for i := 0; i < 3; i++ {
		hub.register <- &Client{send: make(chan []byte, 4)}
	}
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 3
	}, time.Second, 5*time.Millisecond)

	hub.Stop()
	assert.Equal(t, 0, hub.GetClientCount())

	// Broadcasts after shutdown report the cancelled context.
	err := hub.BroadcastActivationEvent(models.ActivationEvent{ModuleID: "billing"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin header", "", []string{"https://app.example.com"}, true},
		{"empty allow list", "https://anything.test", nil, true},
		{"exact match", "https://app.example.com", []string{"https://app.example.com"}, true},
		{"wildcard", "https://anything.test", []string{"*"}, true},
		{"mismatch", "https://evil.test", []string{"https://app.example.com"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, originAllowed(r, tc.allowed))
		})
	}
}

func TestServeWSStreamsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := activation.NewBus(0, quietLogger())
	defer bus.Close()
	source := &fakeSource{bus: bus, reg: make(chan models.RegistryEvent, 4)}

	hub := NewHub(ctx)
	go hub.Run()
	defer hub.Stop()

	handler := NewHandler(ctx, hub, source, nil, quietLogger())
	go handler.StreamEvents()

	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(models.ActivationEvent{
		ModuleID:     "billing",
		TenantID:     "acme",
		ActivationID: "act-7",
		Kind:         models.EventStepStarted,
		Payload:      map[string]any{"step": "load"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.WebSocketMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "activation_event", msg.Type)

	event, ok := msg.Event.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "billing", event["module_id"])
	assert.Equal(t, "act-7", event["activation_id"])
	assert.EqualValues(t, 1, event["seq"])

	// Registry changes ride the same socket.
	source.reg <- models.RegistryEvent{Kind: models.RegistryRegistered, ModuleID: "payments", Version: "2.0.0"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "registry_event", msg.Type)
}
