// Package voxhall is the client SDK for the Voxhall realtime chat
// backend. A ChatSession owns the full session lifecycle: token auth, the
// duplex websocket, transcript assembly, response accumulation, microphone
// capture, and speech playback.
package voxhall

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/voxhall-go/internal/clock"
	"github.com/voxhall/voxhall-go/pkg/live/protocol"
)

// ChatSession is the top-level handle an embedding application drives.
// Construct with New, start with Init, and always Destroy when done.
type ChatSession struct {
	apiURL     string
	siteToken  string
	language   string
	ttsEnabled bool
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	connCfg    ConnectionConfig
	captureCfg CaptureConfig

	auth     *TokenAuthority
	conn     *ConnectionSession
	conv     *ConversationState
	playback *AudioPlaybackScheduler
	capture  *AudioCaptureStream

	mu        sync.Mutex
	recording bool
	onError   func(err *Error)
}

// New builds a session for the given site token. The zero configuration
// talks to nothing useful; WithAPIURL is effectively required.
func New(siteToken string, opts ...ClientOption) *ChatSession {
	c := &ChatSession{
		siteToken:  siteToken,
		language:   "en",
		ttsEnabled: true,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
		clock:      clock.Real{},
		connCfg:    defaultConnectionConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.auth = NewTokenAuthority(c.apiURL, c.siteToken, c.httpClient, c.clock, c.logger)
	c.conv = NewConversationState(c.clock, c.logger)
	c.playback = NewAudioPlaybackScheduler(c.logger)
	c.conn = NewConnectionSession(c.apiURL, c.auth, c.connCfg, c.clock, c.logger, ConnectionHooks{
		OnEvent: c.handleEvent,
		OnAudio: c.handleAudio,
		OnError: c.handleConnError,
		OnClose: c.handleClose,
	})
	c.conn.SetLanguage(c.language)
	c.conn.SetTTSEnabled(c.ttsEnabled)
	c.capture = NewAudioCaptureStream(c.captureCfg, c.clock, c.logger, c.handleCaptureFrame, c.handleSilence)
	return c
}

// Init authenticates and opens the session socket.
func (c *ChatSession) Init(ctx context.Context) error {
	if _, err := c.auth.Authenticate(ctx); err != nil {
		return err
	}
	return c.conn.Connect(ctx)
}

// Destroy tears the session down: socket, microphone, speaker, and cached
// credential. The session cannot be reused afterwards.
func (c *ChatSession) Destroy() {
	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
	c.conn.Disconnect()
	c.capture.Stop()
	c.playback.Stop()
	c.auth.Clear()
}

// Reconnect forces a fresh connection attempt, reusing the cached
// credential when it is still valid.
func (c *ChatSession) Reconnect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// SendText records the message optimistically and sends it over the
// socket. Any speech still playing from the previous bot turn stops first.
func (c *ChatSession) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.playback.StopTTS()
	c.conv.AppendUserMessage(text)
	err := c.conn.Send(protocol.TextMessage{
		Type:      protocol.TypeTextMessage,
		Text:      text,
		SessionID: c.conn.SessionID(),
		Timestamp: c.nowMS(),
	})
	if err != nil {
		// The optimistic turn stays; the UI shows connectivity separately.
		c.conv.recordError(err.Error())
	}
	return err
}

// StartVoiceInput opens the microphone and begins streaming audio to the
// server. Transcript state from any earlier capture is discarded.
func (c *ChatSession) StartVoiceInput() error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = true
	c.mu.Unlock()

	c.playback.StopTTS()
	c.conv.StartVoiceCapture()
	if err := c.capture.Start(); err != nil {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		c.conv.FinishVoiceCapture()
		return err
	}
	return nil
}

// StopVoiceInput closes the microphone, seals the voice turn, and tells the
// server the utterance is complete.
func (c *ChatSession) StopVoiceInput() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	c.mu.Unlock()

	c.capture.Stop()
	final := c.conv.FinishVoiceCapture()
	return c.conn.Send(protocol.EndSpeech{
		Type:      protocol.TypeEndSpeech,
		FinalText: final,
		SessionID: c.conn.SessionID(),
		Timestamp: c.nowMS(),
	})
}

// Recording reports whether the microphone is live.
func (c *ChatSession) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// ClearConversation drops the turn history and stops any playing speech.
// The connection stays up.
func (c *ChatSession) ClearConversation() {
	c.playback.StopTTS()
	c.conv.Clear()
}

// SetLanguage switches the session language. The open session is told over
// the wire; future connects carry it as a URL parameter.
func (c *ChatSession) SetLanguage(lang string) error {
	c.conn.SetLanguage(lang)
	err := c.conn.Send(protocol.SetLanguage{
		Type:      protocol.TypeSetLanguage,
		Language:  lang,
		Timestamp: c.nowMS(),
	})
	if isNotConnected(err) {
		return nil
	}
	return err
}

// SetTTSEnabled toggles spoken responses. Disabling also silences whatever
// is mid-playback.
func (c *ChatSession) SetTTSEnabled(enabled bool) error {
	c.conn.SetTTSEnabled(enabled)
	if !enabled {
		c.playback.StopTTS()
	}
	err := c.conn.Send(protocol.SetTTS{
		Type:       protocol.TypeSetTTS,
		TTSEnabled: enabled,
		Timestamp:  c.nowMS(),
	})
	if isNotConnected(err) {
		return nil
	}
	return err
}

// RequestRenewal asks the server for a fresh credential on the open socket.
// The renewed frame lands in the token authority when it arrives.
func (c *ChatSession) RequestRenewal() error {
	return c.conn.Send(protocol.Renew{
		Type:      protocol.TypeRenew,
		Timestamp: c.nowMS(),
	})
}

// SuspendPlayback buffers rather than plays inbound speech until
// ResumePlayback.
func (c *ChatSession) SuspendPlayback() {
	c.playback.Suspend()
}

// ResumePlayback lifts a playback suspension.
func (c *ChatSession) ResumePlayback() error {
	return c.playback.ForceResume()
}

// Snapshot returns the current conversation for rendering.
func (c *ChatSession) Snapshot() ConversationSnapshot {
	return c.conv.Snapshot()
}

// OnChange registers the observer notified after every conversation
// mutation.
func (c *ChatSession) OnChange(fn func(ConversationSnapshot)) {
	c.conv.OnChange(fn)
}

// OnError registers the observer for surfaced session errors.
func (c *ChatSession) OnError(fn func(err *Error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// State reports the connection lifecycle state.
func (c *ChatSession) State() ConnState {
	return c.conn.State()
}

// SessionID reports the server-assigned session id, if connected.
func (c *ChatSession) SessionID() string {
	return c.conn.SessionID()
}

func (c *ChatSession) handleEvent(msg any) {
	switch m := msg.(type) {
	case protocol.SttChunk:
		c.conv.ApplySttChunk(m)
	case protocol.LlmChunk:
		c.conv.ApplyLlmChunk(m)
	case protocol.TextResponse:
		c.conv.ApplyTextResponse(m)
	case protocol.End:
		c.conv.ApplyEnd(m)
	case protocol.ServerError:
		c.conv.ApplyError(m)
	}
}

func (c *ChatSession) handleAudio(pcm []byte) {
	if err := c.playback.Enqueue(pcm); err != nil {
		c.logger.Warn("speech playback failed", "error", err)
	}
}

func (c *ChatSession) handleConnError(err *Error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// handleClose stops the microphone when the socket drops mid-capture; the
// server side of the utterance is gone either way.
func (c *ChatSession) handleClose(code int) {
	c.mu.Lock()
	wasRecording := c.recording
	c.recording = false
	c.mu.Unlock()
	if wasRecording {
		c.capture.Stop()
		c.conv.FinishVoiceCapture()
	}
}

func (c *ChatSession) handleCaptureFrame(pcm []byte) {
	if err := c.conn.SendAudio(pcm); err != nil {
		c.logger.Debug("dropping capture frame", "error", err)
	}
}

// handleSilence ends the utterance after a sustained quiet stretch, the
// same as an explicit stop.
func (c *ChatSession) handleSilence() {
	c.logger.Debug("silence detected, ending voice input")
	if err := c.StopVoiceInput(); err != nil && !isNotConnected(err) {
		c.logger.Warn("auto-stop after silence failed", "error", err)
	}
}

func (c *ChatSession) nowMS() int64 {
	return c.clock.Now().UnixMilli()
}

func isNotConnected(err error) bool {
	werr, ok := err.(*Error)
	return ok && werr.Code == CodeNotConnected
}
