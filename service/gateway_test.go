package service

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingxin403/im-gateway/wire"
)

func newTestGateway(t *testing.T) (*Gateway, *Registry) {
	t.Helper()
	auth := NewAuthenticator(testSecret, "HS256")
	registry := NewRegistry()
	cfg := GatewayConfig{
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		QueueCapacity:     16,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
	}
	return NewGateway(context.Background(), auth, registry, nil, cfg, nil), registry
}

func dialWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func sendRegister(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	frame, err := wire.NewFrame(wire.CodeRegister, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()))
}

func validToken(t *testing.T, userID string) string {
	return signToken(t, &Claims{UserID: userID, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
}

func TestGatewayRegisterInstallsSession(t *testing.T) {
	gw, registry := newTestGateway(t)
	server := httptest.NewServer(gw)
	defer server.Close()

	conn := dialWS(t, server, validToken(t, "user-1"))
	defer conn.Close()

	sendRegister(t, conn)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeRegisterSuccess, frame.Code, "first frame written must be REGISTER_SUCCESS")

	assert.Eventually(t, func() bool {
		_, ok := registry.Get("user-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayNonRegisterFirstFrameIsProtocolViolation(t *testing.T) {
	gw, registry := newTestGateway(t)
	server := httptest.NewServer(gw)
	defer server.Close()

	conn := dialWS(t, server, validToken(t, "user-1"))
	defer conn.Close()

	heartbeat, err := wire.NewFrame(wire.CodeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, heartbeat.Marshal()))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server must close the socket on a non-REGISTER first frame")

	_, ok := registry.Get("user-1")
	assert.False(t, ok)
}

func TestGatewayHeartbeatRoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t)
	server := httptest.NewServer(gw)
	defer server.Close()

	conn := dialWS(t, server, validToken(t, "user-1"))
	defer conn.Close()

	sendRegister(t, conn)
	_, _, err := conn.ReadMessage() // REGISTER_SUCCESS
	require.NoError(t, err)

	heartbeat, err := wire.NewFrame(wire.CodeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, heartbeat.Marshal()))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeHeartbeatSuccess, frame.Code)
}

func TestGatewayUpgradeRejectsMissingToken(t *testing.T) {
	gw, _ := newTestGateway(t)
	server := httptest.NewServer(gw)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGatewaySecondLoginSupersedesFirst(t *testing.T) {
	gw, registry := newTestGateway(t)
	server := httptest.NewServer(gw)
	defer server.Close()

	tok := validToken(t, "user-1")

	first := dialWS(t, server, tok)
	defer first.Close()
	sendRegister(t, first)
	_, _, err := first.ReadMessage()
	require.NoError(t, err)

	var firstSession *Session
	require.Eventually(t, func() bool {
		s, ok := registry.Get("user-1")
		if ok {
			firstSession = s
		}
		return ok
	}, time.Second, 10*time.Millisecond)

	second := dialWS(t, server, tok)
	defer second.Close()
	sendRegister(t, second)
	_, _, err = second.ReadMessage()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return firstSession.State() == StateClosed
	}, time.Second, 10*time.Millisecond)

	current, ok := registry.Get("user-1")
	require.True(t, ok)
	assert.NotEqual(t, firstSession, current)
}
