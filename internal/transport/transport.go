// Package transport wires the collaboration core onto the wire: a gorilla
// websocket upgrade behind an echo route, a bounded per-connection outbound
// queue, and the handshake sequence (connection-cap check, then
// AuthorityStore authentication) that decides whether a socket ever reaches
// the dispatcher. It follows the shape of the teacher's
// internal/ws/handler.go — one read loop per connection, one writer
// goroutine draining a channel — generalized from a single global room to
// per-project registration and from hello-message auth to an upstream
// bearer token resolved before upgrade completes.
package transport

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/seenwd/ascend-collab-core/internal/authority"
	"github.com/seenwd/ascend-collab-core/internal/connlimit"
	"github.com/seenwd/ascend-collab-core/internal/coreerr"
	"github.com/seenwd/ascend-collab-core/internal/dispatch"
	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/presence"
)

const writeWait = 5 * time.Second

// Handler owns the websocket upgrade route and per-connection lifecycle.
type Handler struct {
	dispatcher    *dispatch.Dispatcher
	auth          *authority.Adapter
	limiter       *connlimit.Limiter
	upgrader      websocket.Upgrader
	outboundQueue int
	idleTimeout   time.Duration
	log           zerolog.Logger
	obs           observer.Observer
}

// New builds a Handler. outboundQueue and idleTimeout fall back to the
// spec's OUTBOUND_QUEUE/IDLE_CONNECTION defaults when zero.
func New(dispatcher *dispatch.Dispatcher, auth *authority.Adapter, limiter *connlimit.Limiter, outboundQueue int, idleTimeout time.Duration, log zerolog.Logger, obs observer.Observer) *Handler {
	if outboundQueue <= 0 {
		outboundQueue = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Handler{
		dispatcher:    dispatcher,
		auth:          auth,
		limiter:       limiter,
		outboundQueue: outboundQueue,
		idleTimeout:   idleTimeout,
		log:           log.With().Str("component", "transport").Logger(),
		obs:           obs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the upgrade route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/collaborate/:projectId", h.HandleUpgrade)
}

// HandleUpgrade resolves the handshake and, on success, upgrades the
// connection and serves it until disconnect. Handshake failures close
// with 4001 and the closed-set reason code; they never reach the
// dispatcher since no ProjectSession registration has happened yet.
func (h *Handler) HandleUpgrade(c echo.Context) error {
	remoteAddr := c.RealIP()

	projectID, err := uuid.Parse(c.Param("projectId"))
	if err != nil {
		return c.String(http.StatusBadRequest, "projectId must be a UUID")
	}

	if !h.limiter.Allow(remoteAddr) {
		h.log.Warn().Str("remote", remoteAddr).Msg("rejected: connection cap reached")
		return h.closeWithReason(c, coreerr.TooManyConnections, "too many connections")
	}

	token := bearerToken(c.Request())
	clientIDHint := c.QueryParam("clientId")

	identity, err := h.auth.Authenticate(c.Request().Context(), token, projectID, clientIDHint)
	if err != nil {
		h.log.Debug().Str("remote", remoteAddr).Err(err).Msg("handshake rejected")
		code, reason := coreerr.BadToken, err.Error()
		if ce, ok := err.(*coreerr.Error); ok {
			code, reason = ce.Code, ce.Message
		}
		return h.closeWithReason(c, code, reason)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error().Str("remote", remoteAddr).Err(err).Msg("upgrade failed")
		return err
	}

	h.limiter.Track(remoteAddr)
	h.serveConn(conn, remoteAddr, projectID, identity)
	return nil
}

// bearerToken extracts the token from either an Authorization: Bearer
// header or a ?token= query parameter, mirroring common WebSocket
// handshake practice since browsers cannot set arbitrary headers on the
// upgrade request itself.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}

// closeWithReason completes the upgrade only to close the channel at once
// with code 4001 and "<closed-set code>: <reason>" as the close text.
func (h *Handler) closeWithReason(c echo.Context, code coreerr.Code, reason string) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4001, string(code)+": "+reason), time.Now().Add(writeWait))
}

// socketSender adapts a bounded outbound channel to session.Sender. A full
// queue does not silently drop forever: TrySend signals overflow exactly
// once via the overflow channel, which writeLoop observes and turns into a
// connection close with code 1013 plus full cleanup, rather than leaving a
// back-pressured peer to silently fall behind the canonical event order.
type socketSender struct {
	out          chan []byte
	closed       chan struct{}
	overflow     chan struct{}
	overflowOnce sync.Once
}

func newSocketSender(size int) *socketSender {
	return &socketSender{
		out:      make(chan []byte, size),
		closed:   make(chan struct{}),
		overflow: make(chan struct{}),
	}
}

func (s *socketSender) TrySend(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.overflowOnce.Do(func() { close(s.overflow) })
		return false
	}
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string, projectID uuid.UUID, identity authority.Identity) {
	socketID := uuid.NewString()
	sender := newSocketSender(h.outboundQueue)

	defer func() {
		conn.Close()
		h.limiter.Untrack(remoteAddr)
	}()

	if _, err := h.dispatcher.Register(socketID, sender, identity, projectID); err != nil {
		h.log.Warn().Str("remote", remoteAddr).Err(err).Msg("registration rejected")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, err.Error()), time.Now().Add(writeWait))
		return
	}

	h.log.Info().Str("socket_id", socketID).Str("project_id", projectID.String()).Str("remote", remoteAddr).Msg("connected")

	// writerDone carries an override close code: 0 means "the write loop
	// exited because the connection is already being torn down, defer to
	// whatever readLoop observed"; a nonzero value means the write loop
	// itself decided to close the connection (backpressure or a write
	// failure) and that code takes precedence.
	writerDone := make(chan int, 1)
	go h.writeLoop(conn, sender, socketID, writerDone)

	closeCode := h.readLoop(conn, socketID, remoteAddr)

	close(sender.closed)
	if override := <-writerDone; override != 0 {
		closeCode = override
	}

	h.dispatcher.Unregister(socketID, presence.ReasonDisconnect)
	h.obs.ConnectionClosed(projectID, socketID, closeCode)
	h.log.Info().Str("socket_id", socketID).Int("code", closeCode).Msg("disconnected")
}

// writeLoop drains sender.out onto the wire until closed fires, the
// sender signals outbound-queue overflow, or a write fails. It owns every
// WriteMessage/WriteControl call on conn, since gorilla/websocket forbids
// concurrent writers. On overflow or write failure it sends the
// appropriate close control frame itself (1013 or 1011 respectively),
// closes the connection so readLoop unblocks, and reports the close code
// on done so serveConn can record the real reason instead of whatever
// generic error readLoop observed as a side effect of the close.
func (h *Handler) writeLoop(conn *websocket.Conn, sender *socketSender, socketID string, done chan<- int) {
	pingTicker := time.NewTicker(h.idleTimeout / 3)
	defer pingTicker.Stop()

	closeConn := func(code int, reason string) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = conn.Close()
		done <- code
	}

	for {
		select {
		case <-sender.closed:
			done <- 0
			return
		case <-sender.overflow:
			h.log.Warn().Str("socket_id", socketID).Msg("outbound queue full, closing")
			closeConn(1013, "outbound queue full")
			return
		case frame, ok := <-sender.out:
			if !ok {
				done <- 0
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug().Str("socket_id", socketID).Err(err).Msg("write failed")
				h.obs.InternalError("transport", err)
				closeConn(1011, "internal error")
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.obs.InternalError("transport", err)
				closeConn(1011, "internal error")
				return
			}
		}
	}
}

// readLoop blocks on ReadMessage, resetting the idle deadline on every
// frame (and every pong) and handing each payload to the dispatcher. It
// returns the close code observed: the peer's own close code when one is
// sent, 4000 for an idle timeout this core imposes (with a 4000 close
// frame sent back to the peer), or 1011 for any other read/decode
// failure. A 1011 or 4000 return here may be superseded by writeLoop's own
// override in serveConn if the two races (e.g. writeLoop closing the
// connection out from under a blocked Read).
func (h *Handler) readLoop(conn *websocket.Conn, socketID, remoteAddr string) int {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "idle timeout"), time.Now().Add(writeWait))
				h.log.Debug().Str("socket_id", socketID).Str("remote", remoteAddr).Msg("idle timeout")
				return 4000
			}
			h.obs.InternalError("transport", err)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1011, "internal error"), time.Now().Add(writeWait))
			return 1011
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		h.dispatcher.Dispatch(socketID, raw)
	}
}
