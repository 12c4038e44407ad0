package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/jobs"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// sessionIdleTimeout disconnects sessions with no inbound frames. A
// heartbeat every minute keeps a quiet session alive.
const sessionIdleTimeout = 5 * time.Minute

// sendQueueSize bounds per-session outbound buffering. A client that
// stops reading loses events rather than stalling job workers.
const sendQueueSize = 64

// session is one connected websocket client.
type session struct {
	id   string
	addr string
	send chan any
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue is non-blocking; a full queue drops the event.
func (s *session) enqueue(v any) {
	select {
	case s.send <- v:
	case <-s.done:
	default:
		slog.Warn("session send queue full, dropping event", "session_id", s.id)
	}
}

// SessionHub tracks connected sessions and routes job events to them.
// It is the jobs.EventSink: events for disconnected sessions are
// dropped, and the result store remains the durable path.
type SessionHub struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionHub creates an empty hub.
func NewSessionHub() *SessionHub {
	return &SessionHub{sessions: make(map[string]*session)}
}

// Progress implements jobs.EventSink.
func (h *SessionHub) Progress(sessionID string, ev datatypes.ProgressEvent) {
	if s := h.get(sessionID); s != nil {
		s.enqueue(ev)
	}
}

// Terminal implements jobs.EventSink.
func (h *SessionHub) Terminal(sessionID string, ev datatypes.TerminalEvent) {
	if s := h.get(sessionID); s != nil {
		s.enqueue(ev)
	}
}

// ActiveSessions returns the connected session count.
func (h *SessionHub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *SessionHub) get(sessionID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionID]
}

func (h *SessionHub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	observability.SessionsActive.Set(float64(n))
}

func (h *SessionHub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	observability.SessionsActive.Set(float64(n))
	s.close()
}

// HandleSession upgrades the connection and runs one client session.
//
// The connection-class rate limit applies before the upgrade, so a
// flooding client is turned away with a plain 429 instead of holding a
// socket. Inside the session every frame is checked against the
// session-message budget; rejected frames get a warning notice, and a
// client escalating past the budget gets blocked by the limiter.
func HandleSession(hub *SessionHub, manager *jobs.Manager, limiter *ratelimit.SlidingWindowLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientAddr := c.ClientIP()
		if !limiter.Allow(clientAddr, ratelimit.ClassConnection) {
			observability.RateLimitRejections.WithLabelValues(string(ratelimit.ClassConnection)).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many connection attempts, please wait",
			})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err, "client", clientAddr)
			return
		}
		defer ws.Close()

		sess := &session{
			id:   uuid.NewString(),
			addr: clientAddr,
			send: make(chan any, sendQueueSize),
			done: make(chan struct{}),
		}
		hub.register(sess)
		defer hub.unregister(sess)
		slog.Info("session connected", "session_id", sess.id, "client", clientAddr)

		go writeLoop(ws, sess)

		sess.enqueue(map[string]string{
			"type":      datatypes.EventSessionCreated,
			"sessionId": sess.id,
		})

		readLoop(c, ws, sess, manager, limiter)
		slog.Info("session disconnected", "session_id", sess.id)
	}
}

// writeLoop serializes all writes for one session onto a single
// goroutine; gorilla connections do not allow concurrent writers.
func writeLoop(ws *websocket.Conn, sess *session) {
	for {
		select {
		case v := <-sess.send:
			if err := ws.WriteJSON(v); err != nil {
				slog.Warn("websocket write failed", "session_id", sess.id, "error", err)
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func readLoop(c *gin.Context, ws *websocket.Conn, sess *session, manager *jobs.Manager, limiter *ratelimit.SlidingWindowLimiter) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(sessionIdleTimeout))

		var req datatypes.SessionRequest
		if err := ws.ReadJSON(&req); err != nil {
			sess.close()
			return
		}

		if !limiter.Allow(sess.addr, ratelimit.ClassSessionMessage) {
			observability.RateLimitRejections.WithLabelValues(string(ratelimit.ClassSessionMessage)).Inc()
			sess.enqueue(datatypes.NoticeEvent{
				Type:    datatypes.EventNotice,
				Level:   "warning",
				Message: "message rate limit exceeded, slow down",
			})
			continue
		}

		switch req.Type {
		case datatypes.EventSubmitJob:
			jobID, err := manager.Submit(c.Request.Context(), sess.id, sess.addr, req.Job)
			if err != nil {
				sess.enqueue(datatypes.NoticeEvent{
					Type:    datatypes.EventNotice,
					Level:   "error",
					Message: datatypes.UserMessage(err),
					JobID:   req.Job.JobID,
				})
				continue
			}
			sess.enqueue(datatypes.NoticeEvent{
				Type:    datatypes.EventNotice,
				Level:   "info",
				Message: "job accepted",
				JobID:   jobID,
			})

		case datatypes.EventCancelJob:
			if err := manager.Cancel(sess.id, req.JobID); err != nil {
				sess.enqueue(datatypes.NoticeEvent{
					Type:    datatypes.EventNotice,
					Level:   "error",
					Message: datatypes.UserMessage(err),
					JobID:   req.JobID,
				})
				continue
			}
			sess.enqueue(datatypes.NoticeEvent{
				Type:    datatypes.EventNotice,
				Level:   "info",
				Message: "cancellation requested",
				JobID:   req.JobID,
			})

		case datatypes.EventCheckStatus:
			ev, err := manager.CheckStatus(req.JobID, sess.id, sess.addr)
			if err != nil {
				sess.enqueue(datatypes.NoticeEvent{
					Type:    datatypes.EventNotice,
					Level:   "error",
					Message: datatypes.UserMessage(err),
					JobID:   req.JobID,
				})
				continue
			}
			sess.enqueue(ev)

		case datatypes.EventHeartbeat:
			sess.enqueue(map[string]string{"type": datatypes.EventHeartbeatAck})

		default:
			sess.enqueue(datatypes.NoticeEvent{
				Type:    datatypes.EventNotice,
				Level:   "warning",
				Message: "unknown event type",
			})
		}
	}
}
