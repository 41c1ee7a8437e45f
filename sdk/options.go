package voxhall

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/voxhall/voxhall-go/internal/clock"
)

// ClientOption configures a ChatSession.
type ClientOption func(*ChatSession)

// WithAPIURL sets the backend base URL used for auth and the session
// socket.
func WithAPIURL(url string) ClientOption {
	return func(c *ChatSession) {
		c.apiURL = url
	}
}

// WithLanguage sets the initial STT/LLM language.
func WithLanguage(lang string) ClientOption {
	return func(c *ChatSession) {
		c.language = lang
	}
}

// WithTTS sets the initial voice-response flag.
func WithTTS(enabled bool) ClientOption {
	return func(c *ChatSession) {
		c.ttsEnabled = enabled
	}
}

// WithHTTPClient sets a custom HTTP client for the auth endpoints.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *ChatSession) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the session.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *ChatSession) {
		c.logger = l
	}
}

// WithClock injects the time source. Tests use a manual clock to drive
// renewal, backoff, and silence timers deterministically.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *ChatSession) {
		c.clock = clk
	}
}

// WithConnectTimeout bounds the websocket handshake.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *ChatSession) {
		c.connCfg.ConnectTimeout = d
	}
}

// WithReconnectPolicy overrides the reconnect backoff.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(c *ChatSession) {
		c.connCfg.Reconnect = p
	}
}

// WithCaptureConfig tunes the microphone pipeline.
func WithCaptureConfig(cfg CaptureConfig) ClientOption {
	return func(c *ChatSession) {
		c.captureCfg = cfg
	}
}
