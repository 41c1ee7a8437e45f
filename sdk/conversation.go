package voxhall

import (
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall-go/internal/clock"
	"github.com/voxhall/voxhall-go/pkg/live/protocol"
	"github.com/voxhall/voxhall-go/pkg/markdown"
	"github.com/voxhall/voxhall-go/pkg/transcript"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// TurnSource records how a user turn entered the conversation.
type TurnSource string

const (
	SourceTyped TurnSource = "typed"
	SourceVoice TurnSource = "voice"
)

// Turn is one message in the conversation. For a sealed bot turn
// DisplayContent holds sanitized HTML rendered from RawContent; for every
// other turn the two are the same plain text.
type Turn struct {
	ID             string
	Role           Role
	Source         TurnSource
	RawContent     string
	DisplayContent string
	CreatedAt      time.Time
	Sealed         bool
}

// ConversationSnapshot is an immutable copy of the conversation for
// rendering.
type ConversationSnapshot struct {
	Turns     []Turn
	Typing    bool
	Loading   bool
	LastError string
}

// ConversationState reduces inbound session events into an ordered turn
// list. At most one user turn and one bot turn are open (unsealed) at a
// time; everything before them is history. All methods are safe for
// concurrent use.
type ConversationState struct {
	clock    clock.Clock
	logger   *slog.Logger
	renderer *markdown.Renderer

	mu        sync.Mutex
	assembler *transcript.Assembler
	turns     []Turn
	openUser  int
	openBot   int
	typing    bool
	loading   bool
	lastError string
	onChange  func(ConversationSnapshot)
}

// NewConversationState builds an empty conversation.
func NewConversationState(clk clock.Clock, logger *slog.Logger) *ConversationState {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationState{
		clock:     clk,
		logger:    logger,
		renderer:  markdown.NewRenderer(),
		assembler: transcript.NewAssembler(transcript.DefaultCapacity),
		openUser:  -1,
		openBot:   -1,
	}
}

// OnChange registers the single observer notified with a fresh snapshot
// after every mutation.
func (c *ConversationState) OnChange(fn func(ConversationSnapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Snapshot returns a copy of the current conversation.
func (c *ConversationState) Snapshot() ConversationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ApplySttChunk folds a transcript fragment into the open voice turn. A
// chunk that leaves the assembled text unchanged is a no-op. Interim chunks
// arriving with no open user turn are dropped; a final chunk seeds a new
// voice turn.
func (c *ConversationState) ApplySttChunk(chunk protocol.SttChunk) {
	c.mu.Lock()
	// A replayed final must be suppressed before it enters the assembler;
	// re-adding it would duplicate its text in the joined finals.
	if chunk.IsFinal && chunk.Text != "" && chunk.Text == c.assembler.LastFinalText() {
		c.mu.Unlock()
		return
	}
	c.assembler.Add(transcript.Fragment{Text: chunk.Text, IsFinal: chunk.IsFinal})
	text := c.assembler.CompleteText()

	if c.openUser < 0 {
		if !chunk.IsFinal || strings.TrimSpace(text) == "" {
			c.mu.Unlock()
			return
		}
		c.sealBotLocked()
		c.turns = append(c.turns, Turn{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Source:    SourceVoice,
			CreatedAt: c.clock.Now(),
		})
		c.openUser = len(c.turns) - 1
	}

	turn := &c.turns[c.openUser]
	if turn.RawContent == text {
		c.mu.Unlock()
		return
	}
	turn.RawContent = text
	turn.DisplayContent = text
	c.notifyUnlock()
}

// StartVoiceCapture resets transcript assembly for a fresh capture session
// and opens an empty voice turn so interim chunks have somewhere to land.
func (c *ConversationState) StartVoiceCapture() {
	c.mu.Lock()
	c.assembler.Clear()
	c.sealBotLocked()
	if c.openUser >= 0 {
		c.sealUserLocked("")
	}
	c.turns = append(c.turns, Turn{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Source:    SourceVoice,
		CreatedAt: c.clock.Now(),
	})
	c.openUser = len(c.turns) - 1
	c.notifyUnlock()
}

// FinishVoiceCapture seals the open voice turn and returns the assembled
// final transcript for the end-speech frame. An empty capture removes the
// placeholder turn and returns "".
func (c *ConversationState) FinishVoiceCapture() string {
	c.mu.Lock()
	final := c.assembler.FinalText()
	c.assembler.Clear()
	if c.openUser < 0 {
		c.mu.Unlock()
		return final
	}
	if strings.TrimSpace(c.turns[c.openUser].RawContent) == "" && final == "" {
		c.turns = append(c.turns[:c.openUser], c.turns[c.openUser+1:]...)
		c.openUser = -1
		c.notifyUnlock()
		return ""
	}
	c.sealUserLocked(final)
	c.loading = true
	c.notifyUnlock()
	return final
}

// AppendUserMessage records an optimistic typed turn before the text-message
// frame goes out, returning the turn id.
func (c *ConversationState) AppendUserMessage(text string) string {
	c.mu.Lock()
	c.sealBotLocked()
	if c.openUser >= 0 {
		c.sealUserLocked("")
	}
	id := uuid.NewString()
	c.turns = append(c.turns, Turn{
		ID:             id,
		Role:           RoleUser,
		Source:         SourceTyped,
		RawContent:     text,
		DisplayContent: text,
		CreatedAt:      c.clock.Now(),
		Sealed:         true,
	})
	c.loading = true
	c.notifyUnlock()
	return id
}

// ApplyLlmChunk appends generated text to the open bot turn, opening one if
// needed. The first chunk of a response clears the loading latch and raises
// the typing flag.
func (c *ConversationState) ApplyLlmChunk(chunk protocol.LlmChunk) {
	if chunk.Text == "" {
		return
	}
	c.mu.Lock()
	if c.openBot < 0 {
		if c.openUser >= 0 {
			c.sealUserLocked("")
		}
		c.turns = append(c.turns, Turn{
			ID:        uuid.NewString(),
			Role:      RoleBot,
			CreatedAt: c.clock.Now(),
		})
		c.openBot = len(c.turns) - 1
	}
	turn := &c.turns[c.openBot]
	turn.RawContent += chunk.Text
	turn.DisplayContent = turn.RawContent
	c.typing = true
	c.loading = false
	c.notifyUnlock()
}

// ApplyTextResponse handles a structured text frame. A final user echo seals
// the open user turn with the server's canonical text and arms the loading
// latch; an assistant payload lands as a complete, sealed bot turn.
func (c *ConversationState) ApplyTextResponse(msg protocol.TextResponse) {
	c.mu.Lock()
	switch msg.Payload.Role {
	case "user":
		if msg.Payload.Context == nil || !msg.Payload.Context.IsFinal {
			c.mu.Unlock()
			return
		}
		if c.openUser >= 0 {
			turn := &c.turns[c.openUser]
			if msg.Payload.Content != "" {
				turn.RawContent = msg.Payload.Content
				turn.DisplayContent = msg.Payload.Content
			}
			c.sealUserLocked("")
		} else if msg.Payload.Content != "" {
			c.turns = append(c.turns, Turn{
				ID:             uuid.NewString(),
				Role:           RoleUser,
				Source:         SourceVoice,
				RawContent:     msg.Payload.Content,
				DisplayContent: msg.Payload.Content,
				CreatedAt:      c.clock.Now(),
				Sealed:         true,
			})
		}
		c.loading = true
	case "assistant":
		c.sealBotLocked()
		turn := Turn{
			ID:         uuid.NewString(),
			Role:       RoleBot,
			RawContent: msg.Payload.Content,
			CreatedAt:  c.clock.Now(),
			Sealed:     true,
		}
		turn.DisplayContent = c.renderLocked(msg.Payload.Content)
		c.turns = append(c.turns, turn)
		c.typing = false
		c.loading = false
	default:
		c.mu.Unlock()
		return
	}
	c.notifyUnlock()
}

// ApplyEnd seals the open bot turn, rendering its accumulated markdown to
// sanitized HTML exactly once, and clears the activity flags.
func (c *ConversationState) ApplyEnd(msg protocol.End) {
	c.mu.Lock()
	if c.openBot >= 0 && msg.FullResponse != "" {
		// The server's full response is canonical over accumulated chunks.
		c.turns[c.openBot].RawContent = msg.FullResponse
	}
	c.sealBotLocked()
	c.typing = false
	c.loading = false
	c.notifyUnlock()
}

// ApplyError clears the activity flags and records the message. Turns are
// preserved so the conversation survives recoverable errors.
func (c *ConversationState) ApplyError(msg protocol.ServerError) {
	c.mu.Lock()
	c.typing = false
	c.loading = false
	c.lastError = msg.Error
	c.notifyUnlock()
}

// recordError notes a client-side failure (a send that never left) without
// touching the turn list; the optimistic turn stays as sent-but-unacked.
func (c *ConversationState) recordError(message string) {
	c.mu.Lock()
	c.lastError = message
	c.notifyUnlock()
}

// Clear drops every turn and resets all flags and transcript state.
func (c *ConversationState) Clear() {
	c.mu.Lock()
	c.assembler.Clear()
	c.turns = nil
	c.openUser = -1
	c.openBot = -1
	c.typing = false
	c.loading = false
	c.lastError = ""
	c.notifyUnlock()
}

func (c *ConversationState) sealUserLocked(finalText string) {
	if c.openUser < 0 {
		return
	}
	turn := &c.turns[c.openUser]
	if finalText != "" {
		turn.RawContent = finalText
		turn.DisplayContent = finalText
	}
	turn.Sealed = true
	c.openUser = -1
}

// sealBotLocked renders the open bot turn's markdown; rendering happens at
// most once per turn because sealing clears the handle.
func (c *ConversationState) sealBotLocked() {
	if c.openBot < 0 {
		return
	}
	turn := &c.turns[c.openBot]
	turn.DisplayContent = c.renderLocked(turn.RawContent)
	turn.Sealed = true
	c.openBot = -1
}

func (c *ConversationState) renderLocked(source string) string {
	out, err := c.renderer.Render(source)
	if err != nil {
		c.logger.Warn("markdown render failed, escaping raw text", "error", err)
		return html.EscapeString(source)
	}
	return out
}

func (c *ConversationState) snapshotLocked() ConversationSnapshot {
	return ConversationSnapshot{
		Turns:     append([]Turn(nil), c.turns...),
		Typing:    c.typing,
		Loading:   c.loading,
		LastError: c.lastError,
	}
}

// notifyUnlock snapshots under the lock, releases it, then invokes the
// observer, so observers may call back into the conversation.
func (c *ConversationState) notifyUnlock() {
	fn := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
