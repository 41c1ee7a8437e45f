package voxhall

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

type fakeSpeakerContext struct {
	players []*fakeSpeakerPlayer
}

func (c *fakeSpeakerContext) NewPlayer(r io.Reader) speakerPlayer {
	p := &fakeSpeakerPlayer{r: r}
	c.players = append(c.players, p)
	return p
}

type fakeSpeakerPlayer struct {
	r       io.Reader
	playing atomic.Bool
	closed  atomic.Bool
}

func (p *fakeSpeakerPlayer) Play()  { p.playing.Store(true) }
func (p *fakeSpeakerPlayer) Pause() { p.playing.Store(false) }
func (p *fakeSpeakerPlayer) Close() error {
	p.closed.Store(true)
	return nil
}

// pull drains n bytes through the reader the way the audio backend would.
func (p *fakeSpeakerPlayer) pull(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := p.r.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return buf[:got]
}

func newTestScheduler(t *testing.T) (*AudioPlaybackScheduler, *fakeSpeakerContext) {
	t.Helper()
	fake := &fakeSpeakerContext{}
	s := NewAudioPlaybackScheduler(slog.Default())
	s.newContext = func(int) (speakerContext, error) { return fake, nil }
	return s, fake
}

func TestPlayback_EnqueueStartsPlayerAndFeedsAudio(t *testing.T) {
	t.Parallel()

	s, fake := newTestScheduler(t)
	if err := s.Enqueue([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(fake.players) != 1 {
		t.Fatalf("players = %d, want 1", len(fake.players))
	}
	player := fake.players[0]
	if !player.playing.Load() {
		t.Fatalf("player should start on first enqueue")
	}

	if got := player.pull(t, 4); string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("pulled = %v", got)
	}
	// A second enqueue reuses the live player.
	if err := s.Enqueue([]byte{5, 6}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(fake.players) != 1 {
		t.Fatalf("players = %d after second enqueue", len(fake.players))
	}
}

func TestPlayback_StopTTSClearsQueueAndRecreatesPlayer(t *testing.T) {
	t.Parallel()

	s, fake := newTestScheduler(t)
	_ = s.Enqueue([]byte{1, 2, 3, 4})
	s.StopTTS()

	if !fake.players[0].closed.Load() {
		t.Fatalf("player should close on stop")
	}
	if got := s.BufferedMS(); got != 0 {
		t.Fatalf("buffered = %dms after stop", got)
	}
	// Stale audio must not survive: the drained reader yields silence.
	if got := fake.players[0].pull(t, 4); string(got) != "\x00\x00\x00\x00" {
		t.Fatalf("post-stop read = %v, want silence", got)
	}

	_ = s.Enqueue([]byte{9, 9})
	if len(fake.players) != 2 {
		t.Fatalf("players = %d, want a fresh player after stop", len(fake.players))
	}
	if got := fake.players[1].pull(t, 2); string(got) != "\x09\x09" {
		t.Fatalf("pulled = %v", got)
	}
}

func TestPlayback_SuspendBuffersUntilForceResume(t *testing.T) {
	t.Parallel()

	s, fake := newTestScheduler(t)
	s.Suspend()
	_ = s.Enqueue([]byte{1, 2, 3, 4})
	if len(fake.players) != 0 {
		t.Fatalf("suspended enqueue must not start a player")
	}
	if got := s.BufferedMS(); got == 0 {
		t.Fatalf("suspended audio should stay buffered")
	}

	if err := s.ForceResume(); err != nil {
		t.Fatalf("ForceResume() error = %v", err)
	}
	if len(fake.players) != 1 || !fake.players[0].playing.Load() {
		t.Fatalf("resume should start playback of buffered audio")
	}
	if got := fake.players[0].pull(t, 4); string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("pulled = %v", got)
	}
}

func TestPlayback_ProgressAccounting(t *testing.T) {
	t.Parallel()

	s, fake := newTestScheduler(t)
	// 960 bytes = 20ms at 24kHz mono s16le.
	_ = s.Enqueue(make([]byte, 960))
	if got := s.BufferedMS(); got != 20 {
		t.Fatalf("buffered = %dms, want 20", got)
	}
	if got := s.PlayedMS(); got != 0 {
		t.Fatalf("played = %dms before any pull", got)
	}

	fake.players[0].pull(t, 480)
	if got := s.PlayedMS(); got != 10 {
		t.Fatalf("played = %dms, want 10", got)
	}
	if got := s.BufferedMS(); got != 10 {
		t.Fatalf("buffered = %dms, want 10", got)
	}
}

func TestPlayback_StopRefusesFurtherAudio(t *testing.T) {
	t.Parallel()

	s, fake := newTestScheduler(t)
	_ = s.Enqueue([]byte{1, 2})
	s.Stop()
	if err := s.Enqueue([]byte{3, 4}); err != nil {
		t.Fatalf("Enqueue() after stop error = %v", err)
	}
	if len(fake.players) != 1 {
		t.Fatalf("players = %d, enqueue after stop must be a no-op", len(fake.players))
	}
	if got := s.BufferedMS(); got != 0 {
		t.Fatalf("buffered = %dms after stop", got)
	}
}
