package voxhall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhall/voxhall-go/internal/clock"
	"github.com/voxhall/voxhall-go/pkg/live/protocol"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconnectPolicy is the exponential backoff applied between automatic
// reconnect attempts.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

func defaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

// Delay returns the backoff delay for the given 0-based attempt, capped at
// MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// ConnectionConfig tunes the socket lifecycle.
type ConnectionConfig struct {
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	Reconnect      ReconnectPolicy
}

func defaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		WriteTimeout:   5 * time.Second,
		Reconnect:      defaultReconnectPolicy(),
	}
}

// ConnectionHooks receive connection lifecycle and inbound traffic. All
// hooks are invoked from the session's read/timer goroutines; a panicking
// hook is contained and logged, it never kills the dispatch loop.
type ConnectionHooks struct {
	OnOpen  func()
	OnClose func(code int)
	// OnEvent receives every decoded structured frame, including
	// connection-ack and renewed (which the session also consumes itself).
	OnEvent func(msg any)
	// OnAudio receives inbound binary TTS frames while TTS is enabled.
	OnAudio func(pcm []byte)
	// OnError receives surfaced connection errors (timeouts, terminal
	// reconnect exhaustion, unauthorized closures).
	OnError func(err *Error)
}

// ConnectionSession owns the duplex socket: it authenticates, connects,
// classifies and routes inbound frames, and drives reconnection. Exactly one
// socket is live at a time; connecting again tears down the previous socket
// first.
type ConnectionSession struct {
	endpoint string
	auth     *TokenAuthority
	cfg      ConnectionConfig
	clock    clock.Clock
	logger   *slog.Logger
	hooks    ConnectionHooks

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	gen              int
	sessionID        string
	language         string
	ttsEnabled       bool
	reconnectAttempt int
	noReconnect      bool
	reconnectTimer   clock.Timer
	pingTimer        clock.Timer

	writeMu sync.Mutex
}

// NewConnectionSession builds a session against the given websocket endpoint
// (http(s) or ws(s) URL; the scheme is normalized).
func NewConnectionSession(endpoint string, auth *TokenAuthority, cfg ConnectionConfig, clk clock.Clock, logger *slog.Logger, hooks ConnectionHooks) *ConnectionSession {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectionConfig().ConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultConnectionConfig().PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultConnectionConfig().WriteTimeout
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = defaultReconnectPolicy()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionSession{
		endpoint: endpoint,
		auth:     auth,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		hooks:    hooks,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *ConnectionSession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id, or "" before the
// connection-ack arrives (and again after disconnect).
func (s *ConnectionSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetLanguage records the language used as a URL parameter on the next
// connect. Mid-session language switches additionally go over the wire via
// a set-language frame (the client facade sends it).
func (s *ConnectionSession) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

// SetTTSEnabled flips the TTS flag. While disabled, inbound binary audio
// frames are dropped without reaching the playback hook.
func (s *ConnectionSession) SetTTSEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttsEnabled = enabled
}

// TTSEnabled reports the current TTS flag.
func (s *ConnectionSession) TTSEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsEnabled
}

// Connect establishes the socket: tears down any prior socket, obtains a
// credential, dials, and starts the read loop. Dial failures feed the
// reconnect policy; a non-recoverable auth failure is surfaced and ends the
// automatic retry chain.
func (s *ConnectionSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	// A manual connect supersedes any scheduled retry; a stale backoff
	// timer firing later would tear down the socket opened here.
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if prior := s.conn; prior != nil {
		// At most one live socket: force-close the previous one before
		// proceeding.
		s.gen++
		s.conn = nil
		s.sessionID = ""
		s.stopPingLocked()
		s.mu.Unlock()
		_ = prior.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnecting"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = prior.Close()
		s.mu.Lock()
	}
	s.state = StateConnecting
	s.noReconnect = false
	lang := s.language
	tts := s.ttsEnabled
	s.mu.Unlock()

	cred, err := s.auth.ValidCredential(ctx)
	if err != nil {
		return s.failConnect(err)
	}

	wsURL, err := protocol.SessionURL(s.endpoint, cred.Token, lang, tts)
	if err != nil {
		return s.failConnect(newConnectionError(CodeConnectionFailed, "build session URL", err))
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		code := CodeConnectionFailed
		if isTimeout(err) {
			code = CodeConnectionTimeout
		}
		connErr := newConnectionError(code, "websocket dial failed", &TransportError{Op: "GET", URL: wsURL, Err: err})
		if resp != nil {
			connErr.Message = fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode)
		}
		return s.failConnect(connErr)
	}

	s.mu.Lock()
	if s.noReconnect {
		// Disconnect raced the dial; drop the fresh socket.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.state = StateOpen
	s.conn = conn
	s.gen++
	gen := s.gen
	s.reconnectAttempt = 0
	s.mu.Unlock()

	s.logger.Debug("session socket open", "endpoint", redactURLQuery(wsURL))
	s.callHook(func() {
		if s.hooks.OnOpen != nil {
			s.hooks.OnOpen()
		}
	})
	s.schedulePing(gen)
	go s.readLoop(conn, gen)
	return nil
}

// Send serializes a structured message as a text frame. It fails with
// NotConnected unless the session is Open.
func (s *ConnectionSession) Send(msg any) error {
	conn, err := s.openConn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Type: ErrSend, Code: CodeMalformedFrame, Message: "encode outbound frame", Err: err}
	}
	return s.write(conn, websocket.TextMessage, data)
}

// SendAudio passes a binary PCM payload through unmodified. The caller hands
// off ownership of pcm.
func (s *ConnectionSession) SendAudio(pcm []byte) error {
	conn, err := s.openConn()
	if err != nil {
		return err
	}
	return s.write(conn, websocket.BinaryMessage, pcm)
}

// Disconnect closes the socket with a normal closure, suppresses automatic
// reconnection, and synchronously cancels every pending timer. Safe to call
// repeatedly and from any state.
func (s *ConnectionSession) Disconnect() {
	s.mu.Lock()
	s.noReconnect = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopPingLocked()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.sessionID = ""
	s.reconnectAttempt = 0
	wasLive := s.state == StateOpen || s.state == StateConnecting
	if wasLive {
		s.state = StateClosing
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnecting"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if wasLive {
		s.callHook(func() {
			if s.hooks.OnClose != nil {
				s.hooks.OnClose(websocket.CloseNormalClosure)
			}
		})
	}
}

func (s *ConnectionSession) openConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.conn == nil {
		return nil, newSendError(fmt.Sprintf("cannot send while %s", s.state))
	}
	return s.conn, nil
}

func (s *ConnectionSession) write(conn *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return &Error{Type: ErrSend, Code: CodeNotConnected, Message: "write frame", Err: err}
	}
	return nil
}

func (s *ConnectionSession) failConnect(err error) error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	var werr *Error
	if !errors.As(err, &werr) {
		werr = newConnectionError(CodeConnectionFailed, "connect failed", err)
	}
	if werr.Recoverable() {
		s.scheduleReconnect(0)
	}
	s.surfaceError(werr)
	return werr
}

func (s *ConnectionSession) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClosed(gen, closeCodeOf(err), err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if s.TTSEnabled() && s.hooks.OnAudio != nil {
				payload := append([]byte(nil), data...)
				s.callHook(func() { s.hooks.OnAudio(payload) })
			}
		case websocket.TextMessage:
			s.dispatchFrame(data)
		}
	}
}

// dispatchFrame decodes and routes one structured frame. A malformed frame
// is logged and dropped; subsequent frames still process.
func (s *ConnectionSession) dispatchFrame(data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectionAck:
		s.mu.Lock()
		s.sessionID = m.SessionID
		s.mu.Unlock()
		s.logger.Debug("session acknowledged", "session_id", m.SessionID, "mode", m.Mode)
	case protocol.Renewed:
		s.auth.HandleRenewed(m.Token, m.ExpiresAt)
	}

	s.callHook(func() {
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(msg)
		}
	})
}

func (s *ConnectionSession) handleClosed(gen, code int, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		// A newer socket (or an explicit disconnect) superseded this one.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sessionID = ""
	s.state = StateClosed
	s.stopPingLocked()
	suppressed := s.noReconnect
	s.mu.Unlock()

	s.logger.Debug("session socket closed", "code", code, "cause", cause)
	s.callHook(func() {
		if s.hooks.OnClose != nil {
			s.hooks.OnClose(code)
		}
	})

	if suppressed {
		return
	}

	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		// Server-initiated normal closure: stay closed.
	case protocol.CloseUnauthorized:
		// Credential no longer accepted: drop it before the next connect so
		// a fresh one is obtained, then retry immediately.
		s.auth.Clear()
		s.scheduleReconnectWithDelay(0)
		s.surfaceError(newConnectionError(CodeUnauthorized, "session unauthorized", cause))
	default:
		s.scheduleReconnect(code)
	}
}

func (s *ConnectionSession) scheduleReconnect(code int) {
	s.mu.Lock()
	attempt := s.reconnectAttempt
	s.mu.Unlock()
	delay := s.cfg.Reconnect.Delay(attempt)
	s.logger.Debug("scheduling reconnect", "attempt", attempt, "delay", delay, "close_code", code)
	s.scheduleReconnectWithDelay(delay)
}

func (s *ConnectionSession) scheduleReconnectWithDelay(delay time.Duration) {
	s.mu.Lock()
	if s.noReconnect {
		s.mu.Unlock()
		return
	}
	if s.reconnectAttempt >= s.cfg.Reconnect.MaxAttempts {
		s.mu.Unlock()
		s.surfaceError(&Error{
			Type:    ErrConnection,
			Code:    CodeRetriesExhausted,
			Message: fmt.Sprintf("giving up after %d reconnect attempts", s.cfg.Reconnect.MaxAttempts),
		})
		return
	}
	s.reconnectAttempt++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		_ = s.Connect(context.Background())
	})
	s.mu.Unlock()
}

func (s *ConnectionSession) schedulePing(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateOpen || s.conn == nil {
		return
	}
	conn := s.conn
	s.pingTimer = s.clock.AfterFunc(s.cfg.PingInterval, func() {
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("keepalive ping failed", "error", err)
			return
		}
		s.schedulePing(gen)
	})
}

func (s *ConnectionSession) stopPingLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}

func (s *ConnectionSession) surfaceError(err *Error) {
	s.callHook(func() {
		if s.hooks.OnError != nil {
			s.hooks.OnError(err)
		}
	})
}

// callHook shields the read/timer goroutines from panicking handlers.
func (s *ConnectionSession) callHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection hook panicked", "panic", r)
		}
	}()
	fn()
}

func closeCodeOf(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
