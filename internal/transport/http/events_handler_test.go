package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensor/internal/shared/testutil"
	ws "licensor/internal/websocket"
	"licensor/pkg/contracts/domain"
)

func TestEventsHandler_StreamsActivations(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	_, errs, _ := handlerDeps(t)
	hub := ws.NewHub(logger)
	hub.Start()
	t.Cleanup(hub.Stop)

	h := NewEventsHandler(hub, ws.NewUpgrader(1024, 1024, nil), ws.ClientOptions{}, errs, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello ws.Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, ws.TypeConnection, hello.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.PublishActivation(context.Background(), domain.ActivationEvent{
		Action:     domain.ActionActivate,
		LicenseKey: "MOSTAGARE-AAAA-BBBB",
		DeviceID:   "d1",
		Timestamp:  testutil.FixedNow,
	})

	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.TypeActivation, msg.Type)
}

func TestEventsHandler_RejectsPlainHTTP(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	_, errs, _ := handlerDeps(t)
	hub := ws.NewHub(logger)

	h := NewEventsHandler(hub, ws.NewUpgrader(1024, 1024, nil), ws.ClientOptions{}, errs, logger)
	rec := do(t, h, http.MethodGet, "/api/admin/events", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "WEBSOCKET_REQUIRED", decodeBody(t, rec)["error_code"])
}
