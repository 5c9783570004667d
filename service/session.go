package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pingxin403/im-gateway/metrics"
	"github.com/pingxin403/im-gateway/wire"
)

// SessionState is a connection's position in the Pending -> Active ->
// Superseded|Closed lifecycle.
type SessionState int32

const (
	// StatePending is set from upgrade until the first Register frame
	// is accepted.
	StatePending SessionState = iota
	// StateActive is set once the session owns its UserId's Registry slot.
	StateActive
	// StateSuperseded is set when a newer session for the same UserId has
	// taken over; the session is being drained and closed.
	StateSuperseded
	// StateClosed is terminal.
	StateClosed
)

// ErrQueueFull is returned by Session.Enqueue when the outbound queue is at
// capacity; the caller is expected to treat this as a SlowConsumer signal.
var ErrQueueFull = errors.New("session: outbound queue full")

// writeDrainTimeout bounds how long the writer keeps flushing already-queued
// frames after the session's context is cancelled (e.g. on Supersede or
// Shutdown), instead of dropping them on the floor immediately.
const writeDrainTimeout = 2 * time.Second

// Conn is the subset of *websocket.Conn the Session depends on, narrowed so
// tests can substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one WebSocket connection's server-side state machine. It owns
// three sub-tasks: a reader pump, a writer pump, and a heartbeat monitor.
type Session struct {
	ID     string
	UserID string

	conn  Conn
	state atomic.Int32

	send chan []byte

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	lastActivity atomic.Int64 // unix nanos
	activated    atomic.Bool
	superseded   atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once

	onClose func(s *Session)
}

// NewSession wraps conn in a Session for the given authenticated user. The
// session begins in StatePending.
func NewSession(parent context.Context, userID string, conn Conn, queueCapacity int, heartbeatInterval, heartbeatTimeout time.Duration) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:                uuid.NewString(),
		UserID:            userID,
		conn:              conn,
		send:              make(chan []byte, queueCapacity),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		ctx:               ctx,
		cancel:            cancel,
	}
	s.state.Store(int32(StatePending))
	s.touch()
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Activate transitions Pending -> Active. It is a no-op if the session is
// not Pending (e.g. it raced a Supersede or Close).
func (s *Session) Activate() bool {
	ok := s.state.CompareAndSwap(int32(StatePending), int32(StateActive))
	if ok {
		s.activated.Store(true)
	}
	return ok
}

// WasActivated reports whether the session ever reached StateActive.
func (s *Session) WasActivated() bool {
	return s.activated.Load()
}

// Supersede transitions a session out of Active when a newer login for the
// same UserId has taken its Registry slot, then closes the connection.
func (s *Session) Supersede() {
	s.superseded.Store(true)
	s.state.Store(int32(StateSuperseded))
	s.Close(errors.New("session: superseded by newer login"))
}

// WasSuperseded reports whether the session was closed because a newer
// login for the same user took over its Registry slot.
func (s *Session) WasSuperseded() bool {
	return s.superseded.Load()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Enqueue places a wire frame on the outbound queue without blocking. If the
// queue is full, the session is closed as a slow consumer and ErrQueueFull
// is returned so the caller (typically the dispatcher) can count the drop.
func (s *Session) Enqueue(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	default:
		metrics.DispatchDroppedSlowConsumerTotal.Inc()
		s.Close(ErrQueueFull)
		return ErrQueueFull
	}
}

// Close transitions the session to Closed and tears down its connection and
// sub-tasks. It is idempotent; only the first call's cause is recorded.
func (s *Session) Close(cause error) {
	s.once.Do(func() {
		s.closeErr = cause
		s.state.Store(int32(StateClosed))
		s.cancel()
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Wait blocks until all of the session's sub-tasks have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Run starts the reader, writer, and heartbeat sub-tasks and blocks until
// all three exit. log, when non-nil, receives structured diagnostics.
func (s *Session) Run(log *zap.Logger, onFrame func(*Session, *wire.Frame), onClose func(s *Session)) {
	s.onClose = onClose

	s.wg.Add(3)
	go s.readPump(log, onFrame)
	go s.writePump(log)
	go s.heartbeatMonitor(log)
	s.wg.Wait()
}

func (s *Session) readPump(log *zap.Logger, onFrame func(*Session, *wire.Frame)) {
	defer s.wg.Done()
	defer s.Close(errors.New("session: reader exited"))

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if log != nil {
				log.Debug("session read error", zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}

		s.touch()

		frame, err := wire.Unmarshal(data)
		if err != nil {
			if log != nil {
				log.Warn("discarding malformed frame", zap.String("session_id", s.ID), zap.Error(err))
			}
			continue
		}

		if onFrame != nil {
			onFrame(s, frame)
		}
	}
}

func (s *Session) writePump(log *zap.Logger) {
	defer s.wg.Done()
	defer s.Close(errors.New("session: writer exited"))

	for {
		select {
		case <-s.ctx.Done():
			s.drain(log)
			return
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if !s.write(log, payload) {
				return
			}
		}
	}
}

// drain best-effort flushes whatever is already queued on s.send once the
// session's context is cancelled, up to writeDrainTimeout, instead of
// discarding in-flight frames the instant Close or Supersede fires.
func (s *Session) drain(log *zap.Logger) {
	deadline := time.After(writeDrainTimeout)
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if !s.write(log, payload) {
				return
			}
		case <-deadline:
			return
		default:
			if len(s.send) == 0 {
				return
			}
		}
	}
}

func (s *Session) write(log *zap.Logger, payload []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.heartbeatTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		if log != nil {
			log.Debug("session write error", zap.String("session_id", s.ID), zap.Error(err))
		}
		return false
	}
	return true
}

func (s *Session) heartbeatMonitor(log *zap.Logger) {
	defer s.wg.Done()
	defer s.Close(errors.New("session: heartbeat timeout"))

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.idleFor() > s.heartbeatTimeout {
				if log != nil {
					log.Info("closing idle session", zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
				}
				return
			}
		}
	}
}

// HandleHeartbeat records client activity and, for an explicit heartbeat
// frame, enqueues the corresponding acknowledgement.
func (s *Session) HandleHeartbeat() {
	s.touch()
	ack, err := wire.NewFrame(wire.CodeHeartbeatSuccess, nil)
	if err != nil {
		return
	}
	metrics.HeartbeatsTotal.Inc()
	_ = s.Enqueue(ack.Marshal())
}
