package voxhall

import (
	"io"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/voxhall/voxhall-go/pkg/live/protocol"
)

// At 24kHz mono 16-bit, 4800 bytes is ~100ms: small enough for low latency,
// large enough to ride out scheduler jitter.
const playbackBufferSize = 4800

// speakerPlayer and speakerContext wrap the audio backend so playback logic
// is testable without a real output device.
type speakerPlayer interface {
	Play()
	Pause()
	Close() error
}

type speakerContext interface {
	NewPlayer(r io.Reader) speakerPlayer
}

type otoSpeakerContext struct{ ctx *oto.Context }

func (c otoSpeakerContext) NewPlayer(r io.Reader) speakerPlayer {
	return c.ctx.NewPlayer(r)
}

func newOtoSpeakerContext(sampleRate int) (speakerContext, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   playbackBufferSize,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, err
	}
	<-ready
	return otoSpeakerContext{ctx: ctx}, nil
}

// AudioPlaybackScheduler queues inbound s16le PCM and feeds it to the
// speaker through a pull-model reader. The speaker context is created
// lazily on the first enqueue and survives across bot turns; the player is
// recreated after every stop so a cleared queue never replays stale audio.
type AudioPlaybackScheduler struct {
	sampleRate int
	logger     *slog.Logger
	newContext func(sampleRate int) (speakerContext, error)

	mu          sync.Mutex
	cond        *sync.Cond
	ctx         speakerContext
	player      speakerPlayer
	buf         []byte
	drain       bool
	suspended   bool
	closed      bool
	playedBytes int64
}

// NewAudioPlaybackScheduler builds an idle scheduler for the standard
// playback format.
func NewAudioPlaybackScheduler(logger *slog.Logger) *AudioPlaybackScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AudioPlaybackScheduler{
		sampleRate: protocol.PlaybackSampleRateHz,
		logger:     logger,
		newContext: newOtoSpeakerContext,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue appends a PCM chunk and starts the speaker unless playback is
// suspended. While suspended the chunk is buffered so ForceResume can pick
// up where the stream left off.
func (s *AudioPlaybackScheduler) Enqueue(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.buf = append(s.buf, pcm...)
	s.drain = false
	if s.suspended {
		return nil
	}
	if err := s.startPlayerLocked(); err != nil {
		return err
	}
	s.cond.Signal()
	return nil
}

// Suspend keeps subsequent chunks buffered instead of audible, without
// touching the queue.
func (s *AudioPlaybackScheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	if s.player != nil {
		s.player.Pause()
	}
}

// ForceResume lifts a suspension and starts the speaker if audio is queued.
func (s *AudioPlaybackScheduler) ForceResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.suspended {
		return nil
	}
	s.suspended = false
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.startPlayerLocked(); err != nil {
		return err
	}
	s.cond.Signal()
	return nil
}

// StopTTS drops all queued audio and tears down the current player. The
// speaker context is kept so the next enqueue starts quickly.
func (s *AudioPlaybackScheduler) StopTTS() {
	s.mu.Lock()
	s.buf = nil
	s.drain = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		if err := player.Close(); err != nil {
			s.logger.Debug("closing speaker player", "error", err)
		}
	}
}

// Stop is the full teardown: queue cleared, player closed, and the
// scheduler refuses further audio.
func (s *AudioPlaybackScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.StopTTS()
}

// PlayedMS reports how much audio has been handed to the speaker, in
// milliseconds.
func (s *AudioPlaybackScheduler) PlayedMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playedBytes * 1000 / int64(s.sampleRate*2)
}

// BufferedMS reports how much queued audio has not reached the speaker yet.
func (s *AudioPlaybackScheduler) BufferedMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buf)) * 1000 / int64(s.sampleRate*2)
}

func (s *AudioPlaybackScheduler) startPlayerLocked() error {
	if s.player != nil {
		return nil
	}
	if s.ctx == nil {
		ctx, err := s.newContext(s.sampleRate)
		if err != nil {
			return mapDeviceError("open speaker", err)
		}
		s.ctx = ctx
	}
	s.player = s.ctx.NewPlayer(playbackReader{s})
	s.player.Play()
	return nil
}

// playbackReader is the pull side handed to the speaker backend. A
// dedicated type keeps Read off the scheduler's public API.
type playbackReader struct{ s *AudioPlaybackScheduler }

// Read blocks until queued audio is available. After a stop or teardown it
// returns silence so the backend drains gracefully instead of glitching.
func (r playbackReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.drain && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.playedBytes += int64(n)
	return n, nil
}
