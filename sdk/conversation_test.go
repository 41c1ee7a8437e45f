package voxhall

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/voxhall/voxhall-go/internal/clock"
	"github.com/voxhall/voxhall-go/pkg/live/protocol"
)

func newTestConversation(t *testing.T) *ConversationState {
	t.Helper()
	return NewConversationState(clock.NewManual(time.Unix(1_700_000_000, 0)), slog.Default())
}

func TestConversation_StreamedBotTurnSealsOnEnd(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "Hi "})
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "there!"})

	snap := conv.Snapshot()
	if !snap.Typing {
		t.Fatalf("typing should be set while chunks stream")
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(snap.Turns))
	}
	if snap.Turns[0].RawContent != "Hi there!" {
		t.Fatalf("raw = %q", snap.Turns[0].RawContent)
	}
	if snap.Turns[0].DisplayContent != "Hi there!" {
		t.Fatalf("display before seal = %q, want raw text", snap.Turns[0].DisplayContent)
	}

	conv.ApplyEnd(protocol.End{Type: protocol.TypeEnd})
	snap = conv.Snapshot()
	if snap.Typing {
		t.Fatalf("typing should clear on end")
	}
	turn := snap.Turns[0]
	if !turn.Sealed {
		t.Fatalf("bot turn should be sealed")
	}
	if turn.RawContent != "Hi there!" {
		t.Fatalf("raw after seal = %q", turn.RawContent)
	}
	if !strings.Contains(turn.DisplayContent, "<p>Hi there!</p>") {
		t.Fatalf("display after seal = %q, want rendered paragraph", turn.DisplayContent)
	}
}

func TestConversation_SealedBotTurnIsSanitized(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "**bold** "})
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "<script>alert(1)</script>"})
	conv.ApplyEnd(protocol.End{})

	turn := conv.Snapshot().Turns[0]
	if !strings.Contains(turn.DisplayContent, "<strong>bold</strong>") {
		t.Fatalf("display = %q, want bold markup", turn.DisplayContent)
	}
	if strings.Contains(turn.DisplayContent, "<script") {
		t.Fatalf("display = %q, script must be stripped", turn.DisplayContent)
	}
	if !strings.Contains(turn.RawContent, "<script>") {
		t.Fatalf("raw content must stay untouched, got %q", turn.RawContent)
	}
}

func TestConversation_VoiceCaptureLifecycle(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.StartVoiceCapture()

	conv.ApplySttChunk(protocol.SttChunk{Text: "hel"})
	conv.ApplySttChunk(protocol.SttChunk{Text: "hello", IsFinal: true})
	conv.ApplySttChunk(protocol.SttChunk{Text: "wor"})

	snap := conv.Snapshot()
	if len(snap.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(snap.Turns))
	}
	if got := snap.Turns[0].DisplayContent; got != "hello wor" {
		t.Fatalf("display = %q, want interim appended to final", got)
	}
	if snap.Turns[0].Source != SourceVoice {
		t.Fatalf("source = %q", snap.Turns[0].Source)
	}

	final := conv.FinishVoiceCapture()
	if final != "hello" {
		t.Fatalf("final transcript = %q, want %q", final, "hello")
	}
	snap = conv.Snapshot()
	if !snap.Turns[0].Sealed {
		t.Fatalf("voice turn should seal on finish")
	}
	if snap.Turns[0].RawContent != "hello" {
		t.Fatalf("sealed content = %q, want final transcript only", snap.Turns[0].RawContent)
	}
	if !snap.Loading {
		t.Fatalf("loading latch should arm after a committed utterance")
	}
}

func TestConversation_EmptyVoiceCaptureLeavesNoTurn(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.StartVoiceCapture()
	if final := conv.FinishVoiceCapture(); final != "" {
		t.Fatalf("final = %q, want empty", final)
	}
	snap := conv.Snapshot()
	if len(snap.Turns) != 0 {
		t.Fatalf("turns = %d, want none", len(snap.Turns))
	}
	if snap.Loading {
		t.Fatalf("loading must not arm for an empty capture")
	}
}

func TestConversation_DuplicateSttChunkIsNoOp(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.StartVoiceCapture()

	var notifications int
	conv.OnChange(func(ConversationSnapshot) { notifications++ })

	conv.ApplySttChunk(protocol.SttChunk{Text: "hello"})
	first := notifications
	conv.ApplySttChunk(protocol.SttChunk{Text: "hello"})
	if notifications != first {
		t.Fatalf("duplicate chunk notified observers (%d -> %d)", first, notifications)
	}
	if got := conv.Snapshot().Turns[0].DisplayContent; got != "hello" {
		t.Fatalf("display = %q", got)
	}
}

func TestConversation_ReplayedFinalChunkIsNoOp(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.StartVoiceCapture()

	conv.ApplySttChunk(protocol.SttChunk{Text: "hello", IsFinal: true})

	var notifications int
	conv.OnChange(func(ConversationSnapshot) { notifications++ })

	conv.ApplySttChunk(protocol.SttChunk{Text: "hello", IsFinal: true})
	if notifications != 0 {
		t.Fatalf("replayed final notified observers %d times", notifications)
	}
	if got := conv.Snapshot().Turns[0].DisplayContent; got != "hello" {
		t.Fatalf("display = %q, want %q", got, "hello")
	}

	// A replayed final after an interim must not re-enter the transcript
	// either.
	conv.ApplySttChunk(protocol.SttChunk{Text: "wor"})
	conv.ApplySttChunk(protocol.SttChunk{Text: "hello", IsFinal: true})
	if got := conv.Snapshot().Turns[0].DisplayContent; got != "hello wor" {
		t.Fatalf("display = %q, want %q", got, "hello wor")
	}

	if final := conv.FinishVoiceCapture(); final != "hello" {
		t.Fatalf("final transcript = %q, want %q", final, "hello")
	}
}

func TestConversation_InterimWithoutOpenTurnIsDropped(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplySttChunk(protocol.SttChunk{Text: "stray interim"})
	if n := len(conv.Snapshot().Turns); n != 0 {
		t.Fatalf("turns = %d, interim must not open a turn", n)
	}

	conv.ApplySttChunk(protocol.SttChunk{Text: "committed", IsFinal: true})
	snap := conv.Snapshot()
	if len(snap.Turns) != 1 {
		t.Fatalf("turns = %d, final must seed a turn", len(snap.Turns))
	}
	if !strings.Contains(snap.Turns[0].DisplayContent, "committed") {
		t.Fatalf("display = %q", snap.Turns[0].DisplayContent)
	}
}

func TestConversation_UserEchoSealsWithCanonicalText(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.StartVoiceCapture()
	conv.ApplySttChunk(protocol.SttChunk{Text: "helo wrld"})

	conv.ApplyTextResponse(protocol.TextResponse{
		Type: protocol.TypeText,
		ID:   "msg_1",
		Payload: protocol.TextPayload{
			Content: "hello world",
			Role:    "user",
			Context: &protocol.TextContext{Source: "stt", IsFinal: true},
		},
	})

	snap := conv.Snapshot()
	turn := snap.Turns[0]
	if !turn.Sealed {
		t.Fatalf("user turn should seal on final echo")
	}
	if turn.DisplayContent != "hello world" {
		t.Fatalf("display = %q, want server canonical text", turn.DisplayContent)
	}
	if !snap.Loading {
		t.Fatalf("loading latch should arm")
	}
}

func TestConversation_NonFinalUserEchoIgnored(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyTextResponse(protocol.TextResponse{
		Payload: protocol.TextPayload{
			Content: "partial",
			Role:    "user",
			Context: &protocol.TextContext{Source: "stt", IsFinal: false},
		},
	})
	snap := conv.Snapshot()
	if len(snap.Turns) != 0 || snap.Loading {
		t.Fatalf("non-final echo must be a no-op, got %+v", snap)
	}
}

func TestConversation_AssistantTextResponseLandsSealed(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyTextResponse(protocol.TextResponse{
		Payload: protocol.TextPayload{Content: "Use `go test`.", Role: "assistant"},
	})

	snap := conv.Snapshot()
	if len(snap.Turns) != 1 {
		t.Fatalf("turns = %d", len(snap.Turns))
	}
	turn := snap.Turns[0]
	if turn.Role != RoleBot || !turn.Sealed {
		t.Fatalf("turn = %+v, want sealed bot turn", turn)
	}
	if !strings.Contains(turn.DisplayContent, "<code>go test</code>") {
		t.Fatalf("display = %q, want rendered code span", turn.DisplayContent)
	}
	if snap.Typing || snap.Loading {
		t.Fatalf("activity flags should clear on a complete response")
	}
}

func TestConversation_NewUserMessageSealsOpenBotTurn(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "*draft*"})

	id := conv.AppendUserMessage("next question")
	if id == "" {
		t.Fatalf("AppendUserMessage must return a turn id")
	}

	snap := conv.Snapshot()
	if len(snap.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(snap.Turns))
	}
	bot := snap.Turns[0]
	if !bot.Sealed || !strings.Contains(bot.DisplayContent, "<em>draft</em>") {
		t.Fatalf("bot turn = %+v, want sealed and rendered on role switch", bot)
	}
	user := snap.Turns[1]
	if user.Role != RoleUser || user.Source != SourceTyped || !user.Sealed {
		t.Fatalf("user turn = %+v", user)
	}
	if !snap.Loading {
		t.Fatalf("loading latch should arm after sending")
	}
}

func TestConversation_ErrorClearsFlagsKeepsTurns(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.AppendUserMessage("hi")
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "partial answer"})
	conv.ApplyError(protocol.ServerError{Error: "upstream overloaded", Code: "llm_unavailable"})

	snap := conv.Snapshot()
	if snap.Typing || snap.Loading {
		t.Fatalf("flags should clear on error")
	}
	if snap.LastError != "upstream overloaded" {
		t.Fatalf("last error = %q", snap.LastError)
	}
	if len(snap.Turns) != 2 {
		t.Fatalf("turns = %d, conversation must survive errors", len(snap.Turns))
	}
}

func TestConversation_EndFullResponseOverridesChunks(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "partial"})
	conv.ApplyEnd(protocol.End{FullResponse: "the complete answer"})

	turn := conv.Snapshot().Turns[0]
	if turn.RawContent != "the complete answer" {
		t.Fatalf("raw = %q, want full response", turn.RawContent)
	}
	if !strings.Contains(turn.DisplayContent, "the complete answer") {
		t.Fatalf("display = %q", turn.DisplayContent)
	}
}

func TestConversation_ClearResetsEverything(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t)
	conv.AppendUserMessage("hi")
	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "answer"})
	conv.ApplyError(protocol.ServerError{Error: "boom"})
	conv.Clear()

	snap := conv.Snapshot()
	if len(snap.Turns) != 0 || snap.Typing || snap.Loading || snap.LastError != "" {
		t.Fatalf("snapshot after clear = %+v", snap)
	}

	conv.ApplyLlmChunk(protocol.LlmChunk{Text: "fresh"})
	if n := len(conv.Snapshot().Turns); n != 1 {
		t.Fatalf("turns after clear reuse = %d", n)
	}
}
