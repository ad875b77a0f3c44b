// Package media owns the local audio endpoints for a voice session: the
// microphone capture device and the playback context. Both are acquired
// together and released together; release is idempotent.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// CaptureConfig describes the microphone request. The processing flags are
// applied where the platform backend honors them and advertised to the remote
// endpoint during the handshake.
type CaptureConfig struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// ErrPermissionDenied reports that microphone access was refused.
var ErrPermissionDenied = errors.New("media: microphone access denied")

// ErrNoDevice reports that no capture hardware is present.
var ErrNoDevice = errors.New("media: no capture device found")

// DeviceError wraps any other device failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("media: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func wrapDeviceErr(op string, err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return ErrPermissionDenied
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDeviceNotInitialized):
		return ErrNoDevice
	default:
		return &DeviceError{Op: op, Err: err}
	}
}

// Devices bundles the live capture stream and the playback context. Capture
// frames (PCM S16LE) fan out to subscribers; playback writes go to a single
// speaker sink pinned at the configured sample rate.
type Devices struct {
	cfg CaptureConfig

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	otoCtx  *oto.Context
	speaker *speakerSink

	mu      sync.Mutex
	taps    map[int]chan []byte
	nextTap int

	releaseOnce sync.Once
	released    bool
}

// Acquire opens the microphone and the playback context. On failure nothing
// stays open. The playback rate must match the remote endpoint's output rate;
// a mismatch degrades quality silently rather than erroring.
func Acquire(cfg CaptureConfig) (*Devices, error) {
	cfg = cfg.withDefaults()

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, wrapDeviceErr("init audio context", err)
	}

	d := &Devices{
		cfg:      cfg,
		malgoCtx: malgoCtx,
		taps:     make(map[int]chan []byte),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.fanOut(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, wrapDeviceErr("init microphone", err)
	}
	d.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, wrapDeviceErr("start microphone", err)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800, // ~100ms at 24kHz mono s16
	})
	if err != nil {
		d.stopCapture()
		return nil, wrapDeviceErr("init playback context", err)
	}
	<-ready
	d.otoCtx = otoCtx
	d.speaker = newSpeakerSink(otoCtx)

	return d, nil
}

// Config returns the effective capture configuration.
func (d *Devices) Config() CaptureConfig {
	if d == nil {
		return CaptureConfig{}
	}
	return d.cfg
}

// Subscribe registers a tap on the live capture stream. Frames are delivered
// best-effort: a full tap drops frames rather than stalling the device
// callback. The returned func removes the tap; it is safe to call twice.
func (d *Devices) Subscribe(buffer int) (<-chan []byte, func()) {
	if d == nil {
		ch := make(chan []byte)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)

	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if d.taps == nil {
		d.taps = make(map[int]chan []byte)
	}
	id := d.nextTap
	d.nextTap++
	d.taps[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			if _, ok := d.taps[id]; ok {
				delete(d.taps, id)
				close(ch)
			}
			d.mu.Unlock()
		})
	}
}

func (d *Devices) fanOut(frame []byte) {
	buf := append([]byte(nil), frame...)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tap := range d.taps {
		select {
		case tap <- buf:
		default:
		}
	}
}

// Play queues PCM for the speaker.
func (d *Devices) Play(pcm []byte) {
	if d == nil || d.speaker == nil {
		return
	}
	d.speaker.Write(pcm)
}

// FlushPlayback discards any queued speaker audio.
func (d *Devices) FlushPlayback() {
	if d == nil || d.speaker == nil {
		return
	}
	d.speaker.Flush()
}

// Release stops the capture device, closes all taps, and quiesces playback.
// Safe to call multiple times and tolerant of handles that are already gone.
func (d *Devices) Release() {
	if d == nil {
		return
	}
	d.releaseOnce.Do(func() {
		d.mu.Lock()
		d.released = true
		for id, tap := range d.taps {
			delete(d.taps, id)
			close(tap)
		}
		d.mu.Unlock()

		d.stopCapture()

		if d.speaker != nil {
			d.speaker.Close()
		}
		if d.otoCtx != nil {
			_ = d.otoCtx.Suspend()
		}
	})
}

func (d *Devices) stopCapture() {
	if d.device != nil {
		_ = d.device.Stop()
		d.device.Uninit()
		d.device = nil
	}
	if d.malgoCtx != nil {
		_ = d.malgoCtx.Uninit()
		d.malgoCtx.Free()
		d.malgoCtx = nil
	}
}

// speakerSink pulls buffered PCM into an oto player.
type speakerSink struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	playing bool
	closed  bool
}

func newSpeakerSink(ctx *oto.Context) *speakerSink {
	s := &speakerSink{otoCtx: ctx}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speakerSink) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.buf = append(s.buf, data...)

	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for the oto player.
func (s *speakerSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains instead of spinning on EOF.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *speakerSink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	playing := s.playing
	s.player = nil
	s.playing = false
	s.mu.Unlock()

	if player != nil && playing {
		player.Pause()
		_ = player.Close()
	}
}

func (s *speakerSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
}
