// Package protocol defines the widget live wire protocol.
//
// Text frames are JSON with a mandatory "type" discriminator; binary frames
// carry raw PCM audio with no envelope (client → server: microphone audio,
// server → client: TTS audio).
package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Client → server message types.
const (
	TypeTextMessage = "text-message"
	TypeEndSpeech   = "end-speech"
	TypeSetLanguage = "set-language"
	TypeSetTTS      = "set-tts"
	TypeRenew       = "renew"
)

// Server → client message types.
const (
	TypeConnectionAck = "connection-ack"
	TypeSttChunk      = "stt-chunk"
	TypeLlmChunk      = "llm-chunk"
	TypeText          = "text"
	TypeError         = "error"
	TypeEnd           = "end"
	TypeRenewed       = "renewed"
)

// Application close codes. 1000/1001 are normal closures; CloseUnauthorized
// tells the client its credential is no longer accepted.
const (
	CloseUnauthorized = 4401
)

// Negotiated audio shapes. Outbound microphone audio is 16kHz mono s16le,
// inbound TTS audio is 24kHz mono s16le.
const (
	CaptureSampleRateHz  = 16000
	PlaybackSampleRateHz = 24000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// TextMessage is a user text turn sent by the client.
type TextMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EndSpeech signals the end of a voice capture session. FinalText carries the
// client's assembled final transcript when it has one.
type EndSpeech struct {
	Type      string `json:"type"`
	FinalText string `json:"finalText,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SetLanguage switches the active STT/LLM language mid-session.
type SetLanguage struct {
	Type      string `json:"type"`
	Language  string `json:"language"`
	Timestamp int64  `json:"timestamp"`
}

// SetTTS toggles server-side speech synthesis for subsequent bot turns.
type SetTTS struct {
	Type       string `json:"type"`
	TTSEnabled bool   `json:"ttsEnabled"`
	Timestamp  int64  `json:"timestamp"`
}

// Renew asks the server to issue a fresh credential on the open socket.
type Renew struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionAck is the server's session acknowledgment after the socket opens.
type ConnectionAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Language  string `json:"language"`
}

// Word carries optional word-level timing for an STT chunk.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SttChunk is a partial or final transcript fragment.
type SttChunk struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	SessionID string `json:"sessionId,omitempty"`
	Words     []Word `json:"words,omitempty"`
}

// LlmChunk is an incremental piece of generated bot text.
type LlmChunk struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

// TextContext is the optional provenance block on a text-response frame.
type TextContext struct {
	Source     string  `json:"source"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TextPayload is the body of a text-response frame.
type TextPayload struct {
	Content string       `json:"content"`
	Role    string       `json:"role"`
	Context *TextContext `json:"context,omitempty"`
}

// TextResponse is the enveloped text-response variant. With role "user" and
// context.is_final set it marks the committed transcript for an utterance.
type TextResponse struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Payload   TextPayload `json:"payload"`
}

// ServerError is a recoverable application-level error frame.
type ServerError struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// End marks the completion of the current bot turn.
type End struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	FullResponse string `json:"fullResponse,omitempty"`
}

// Renewed delivers a refreshed credential on the open socket. ExpiresAt is
// unix milliseconds.
type Renewed struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// DecodeServerMessage parses a text frame from the server into its typed
// form. Unknown types and malformed frames return a *DecodeError; callers
// drop the frame and keep reading.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("frame missing type", "type")
	}

	switch typ {
	case TypeConnectionAck:
		var msg ConnectionAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid connection-ack", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badFrame("connection-ack.sessionId is required", "sessionId")
		}
		return msg, nil
	case TypeSttChunk:
		var msg SttChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid stt-chunk", "")
		}
		return msg, nil
	case TypeLlmChunk:
		var msg LlmChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid llm-chunk", "")
		}
		return msg, nil
	case TypeText:
		var msg TextResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Payload.Role) == "" {
			return nil, badFrame("text.payload.role is required", "payload.role")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	case TypeEnd:
		var msg End
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid end frame", "")
		}
		return msg, nil
	case TypeRenewed:
		var msg Renewed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid renewed frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badFrame("renewed.token is required", "token")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// SessionURL builds the websocket connect URL for a session. The credential
// and session options ride as query parameters because the browser websocket
// API cannot attach custom headers; the Go client keeps the same shape.
func SessionURL(base, jwt, lang string, ttsEnabled bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", badFrame("invalid session base URL", "")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme.
	default:
		return "", unsupported("session URL must use http(s) or ws(s)", "")
	}
	q := u.Query()
	q.Set("jwt", jwt)
	if strings.TrimSpace(lang) != "" {
		q.Set("lang", lang)
	}
	q.Set("ttsEnabled", strconv.FormatBool(ttsEnabled))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
