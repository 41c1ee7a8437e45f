package voxhall

import (
	"encoding/binary"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voxhall/voxhall-go/internal/clock"
	"github.com/voxhall/voxhall-go/pkg/live/protocol"
)

const (
	captureChannels   = 1
	capturePeriodMS   = 20
	captureBatchSize  = 16
	captureQueueDepth = 32

	silenceRMSThreshold = 0.03
	silenceWindow       = 2 * time.Second
)

// CaptureConfig tunes the microphone pipeline. Zero values take the
// defaults above.
type CaptureConfig struct {
	SampleRate       int
	BatchBlocks      int
	SilenceThreshold float64
	SilenceWindow    time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = protocol.CaptureSampleRateHz
	}
	if c.BatchBlocks <= 0 {
		c.BatchBlocks = captureBatchSize
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = silenceRMSThreshold
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = silenceWindow
	}
	return c
}

// AudioCaptureStream owns the microphone: it captures float32 blocks,
// converts them to s16le, batches them, and hands batches to onFrame from a
// dedicated pump goroutine so the device callback never blocks on the
// network. A sustained quiet stretch fires onSilence once per capture
// session.
type AudioCaptureStream struct {
	cfg       CaptureConfig
	clock     clock.Clock
	logger    *slog.Logger
	onFrame   func(pcm []byte)
	onSilence func()

	mu       sync.Mutex
	started  bool
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	frames  chan []byte
	done    chan struct{}
	pumpWG  sync.WaitGroup
	dropped int

	batcher *pcmBatcher
	silence *silenceDetector
}

// NewAudioCaptureStream builds an idle capture stream. onFrame receives
// batched s16le PCM; onSilence may be nil.
func NewAudioCaptureStream(cfg CaptureConfig, clk clock.Clock, logger *slog.Logger, onFrame func(pcm []byte), onSilence func()) *AudioCaptureStream {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioCaptureStream{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		onFrame:   onFrame,
		onSilence: onSilence,
		batcher:   newPCMBatcher(cfg.BatchBlocks),
		silence:   newSilenceDetector(cfg.SilenceThreshold, cfg.SilenceWindow, clk),
	}
}

// Start opens the microphone and begins streaming. Device errors are mapped
// to recording errors by cause (permission, missing device, busy device).
func (s *AudioCaptureStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return mapDeviceError("init audio context", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = capturePeriodMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.handleBlock(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		// Some backends reject the tuned period size; retry with the
		// device defaults before giving up.
		s.logger.Debug("tuned capture config rejected, retrying with defaults", "error", err)
		deviceConfig = malgo.DefaultDeviceConfig(malgo.Capture)
		deviceConfig.Capture.Format = malgo.FormatF32
		deviceConfig.Capture.Channels = captureChannels
		deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
		device, err = malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	}
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return mapDeviceError("open microphone", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return mapDeviceError("start microphone", err)
	}

	s.malgoCtx = malgoCtx
	s.device = device
	s.frames = make(chan []byte, captureQueueDepth)
	s.done = make(chan struct{})
	s.dropped = 0
	s.batcher.Reset()
	s.silence.Reset()
	s.started = true

	s.pumpWG.Add(1)
	go s.pump(s.frames, s.done)

	s.logger.Debug("microphone capture started", "sample_rate", s.cfg.SampleRate)
	return nil
}

// Stop closes the microphone and drains the pump. Safe to call repeatedly.
func (s *AudioCaptureStream) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	device := s.device
	malgoCtx := s.malgoCtx
	done := s.done
	s.device = nil
	s.malgoCtx = nil
	s.mu.Unlock()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if malgoCtx != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}
	close(done)
	s.pumpWG.Wait()
}

// Running reports whether the microphone is open.
func (s *AudioCaptureStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// handleBlock runs on the device's realtime thread: convert, batch, and
// hand off without blocking.
func (s *AudioCaptureStream) handleBlock(input []byte) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	frames := s.frames
	if s.silence.Observe(rmsF32LE(input)) && s.onSilence != nil {
		go s.onSilence()
	}
	batch, ready := s.batcher.Add(f32LEToS16LE(input))
	if !ready {
		s.mu.Unlock()
		return
	}
	select {
	case frames <- batch:
	default:
		// The consumer is behind; dropping audio beats stalling the
		// device callback.
		s.dropped++
		if s.dropped%50 == 1 {
			s.logger.Warn("capture queue full, dropping audio", "dropped", s.dropped)
		}
	}
	s.mu.Unlock()
}

func (s *AudioCaptureStream) pump(frames <-chan []byte, done <-chan struct{}) {
	defer s.pumpWG.Done()
	for {
		select {
		case batch := <-frames:
			if s.onFrame != nil {
				s.onFrame(batch)
			}
		case <-done:
			return
		}
	}
}

// mapDeviceError classifies a device failure into a recording error code.
// malgo surfaces backend errors as strings, so matching is by substring.
func mapDeviceError(op string, err error) *Error {
	msg := strings.ToLower(err.Error())
	code := CodeDeviceFailed
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		code = CodePermissionDenied
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
		code = CodeDeviceNotFound
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		code = CodeDeviceBusy
	}
	return newRecordingError(code, op, err)
}

// f32LEToS16LE converts little-endian float32 PCM to s16le, clipping to
// [-1.0, 1.0].
func f32LEToS16LE(data []byte) []byte {
	samples := len(data) / 4
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// rmsF32LE computes the root mean square level of float32 PCM, in [0, 1]
// for in-range samples.
func rmsF32LE(data []byte) float64 {
	samples := len(data) / 4
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// pcmBatcher accumulates converted blocks and emits one contiguous payload
// every blocks-th Add, amortizing websocket frame overhead.
type pcmBatcher struct {
	blocks int
	count  int
	buf    []byte
}

func newPCMBatcher(blocks int) *pcmBatcher {
	if blocks <= 0 {
		blocks = 1
	}
	return &pcmBatcher{blocks: blocks}
}

func (b *pcmBatcher) Add(block []byte) (batch []byte, ready bool) {
	b.buf = append(b.buf, block...)
	b.count++
	if b.count < b.blocks {
		return nil, false
	}
	batch = b.buf
	b.buf = nil
	b.count = 0
	return batch, true
}

func (b *pcmBatcher) Reset() {
	b.buf = nil
	b.count = 0
}

// silenceDetector watches the RMS level stream and reports true exactly once
// when the level stays below threshold for the full window. A loud block
// before firing restarts the window.
type silenceDetector struct {
	threshold  float64
	window     time.Duration
	clock      clock.Clock
	quietSince time.Time
	fired      bool
}

func newSilenceDetector(threshold float64, window time.Duration, clk clock.Clock) *silenceDetector {
	return &silenceDetector{threshold: threshold, window: window, clock: clk}
}

func (d *silenceDetector) Observe(rms float64) bool {
	if d.fired {
		return false
	}
	now := d.clock.Now()
	if rms >= d.threshold {
		d.quietSince = time.Time{}
		return false
	}
	if d.quietSince.IsZero() {
		d.quietSince = now
		return false
	}
	if now.Sub(d.quietSince) >= d.window {
		d.fired = true
		return true
	}
	return false
}

func (d *silenceDetector) Reset() {
	d.quietSince = time.Time{}
	d.fired = false
}
