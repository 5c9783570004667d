package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pingxin403/im-gateway/metrics"
	"github.com/pingxin403/im-gateway/wire"
)

// GatewayConfig bounds the per-session state machine timers and buffers.
type GatewayConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QueueCapacity     int
	ReadBufferSize    int
	WriteBufferSize   int
}

// Gateway upgrades incoming HTTP requests to WebSocket connections,
// authenticates them, and hands the resulting Session over to the Registry,
// evicting whatever session previously held that user's slot.
type Gateway struct {
	auth      *Authenticator
	registry  *Registry
	directory *Directory
	upgrader  websocket.Upgrader
	config    GatewayConfig
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway wires an Authenticator, Registry, and optional Directory
// (nil disables cross-node registration) into a Gateway.
func NewGateway(parent context.Context, auth *Authenticator, registry *Registry, directory *Directory, cfg GatewayConfig, log *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		auth:      auth,
		registry:  registry,
		directory: directory,
		config:    cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the /ws upgrade endpoint: authenticate, upgrade,
// register, then run the session's sub-tasks until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := ExtractToken(r)
	if !ok {
		metrics.AuthFailuresTotal.WithLabelValues(AuthErrorMissingToken.String()).Inc()
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := g.auth.Authenticate(token)
	if err != nil {
		kind := AuthErrorMalformedToken
		if ae, ok := err.(*AuthError); ok {
			kind = ae.Kind
		}
		metrics.AuthFailuresTotal.WithLabelValues(kind.String()).Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if g.log != nil {
			g.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}

	session := NewSession(g.ctx, userID, conn, g.config.QueueCapacity, g.config.HeartbeatInterval, g.config.HeartbeatTimeout)
	metrics.SessionsOpenedTotal.Inc()

	timer := time.AfterFunc(g.config.HandshakeTimeout, func() {
		if session.State() == StatePending {
			session.Close(context.DeadlineExceeded)
		}
	})
	defer timer.Stop()

	session.Run(g.log, func(s *Session, f *wire.Frame) { g.onFrame(s, f, timer) }, g.onSessionClosed)
}

// onFrame dispatches one decoded frame according to the session's current
// state: only REGISTER is accepted in Pending, and only HEART_BEAT is
// handled in Active. Anything else in Pending is a protocol violation.
func (g *Gateway) onFrame(s *Session, f *wire.Frame, handshakeTimer *time.Timer) {
	switch s.State() {
	case StatePending:
		if f.Code != wire.CodeRegister {
			s.Close(context.Canceled)
			return
		}
		handshakeTimer.Stop()
		g.register(s)
	case StateActive:
		if f.Code == wire.CodeHeartbeat {
			s.HandleHeartbeat()
		}
	}
}

// register acknowledges s, then installs it as the Active session for its
// user, superseding whatever session previously held that slot. The ack is
// enqueued before the session becomes reachable via the Registry: once Put
// returns, a concurrent broker dispatch can Get this user and Enqueue a
// delivery frame, and the outbound queue is FIFO, so REGISTER_SUCCESS must
// already be queued ahead of it.
func (g *Gateway) register(s *Session) {
	ack, err := wire.NewFrame(wire.CodeRegisterSuccess, nil)
	if err == nil {
		_ = s.Enqueue(ack.Marshal())
	}

	if previous := g.registry.Put(s); previous != nil {
		previous.Supersede()
	}
	s.Activate()
	metrics.ActiveSessions.Inc()

	if g.directory != nil {
		if err := g.directory.Register(g.ctx, s.UserID, s.ID); err != nil && g.log != nil {
			g.log.Warn("directory register failed", zap.String("user_id", s.UserID), zap.Error(err))
		}
	}
}

func (g *Gateway) onSessionClosed(s *Session) {
	if !s.WasActivated() {
		metrics.SessionsClosedTotal.WithLabelValues("handshake_failed").Inc()
		return
	}

	metrics.ActiveSessions.Dec()

	cause := "client_disconnect"
	if s.WasSuperseded() {
		cause = "superseded"
	}
	metrics.SessionsClosedTotal.WithLabelValues(cause).Inc()

	if removed := g.registry.Remove(s); removed && g.directory != nil {
		if err := g.directory.Deregister(context.Background(), s.UserID, s.ID); err != nil && g.log != nil {
			g.log.Warn("directory deregister failed", zap.String("user_id", s.UserID), zap.Error(err))
		}
	}
}

// Shutdown cancels every session spawned by this gateway and waits for them
// to drain.
func (g *Gateway) Shutdown() {
	g.cancel()
	g.registry.ForEach(func(_ string, s *Session) {
		s.Close(context.Canceled)
		s.Wait()
	})
}
