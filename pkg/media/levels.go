package media

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// LevelFunc receives the reduced input level as a 0-100 percentage.
type LevelFunc func(percent float64)

// levelScale maps typical speech RMS into a readable meter range.
const levelScale = 4.0

// Monitor periodically reduces live capture energy to a single percentage.
// It is entirely advisory: failures are logged and swallowed, it never
// influences session state, and Stop never blocks on in-flight work.
type Monitor struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartMonitor begins sampling frames from the given tap on a fixed interval.
// The unsubscribe func is invoked when the monitor stops.
func StartMonitor(frames <-chan []byte, unsubscribe func(), interval time.Duration, fn LevelFunc, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(m.done)
		defer func() {
			if r := recover(); r != nil {
				logger.Warn("level monitor stopped after panic", "panic", r)
			}
		}()
		if unsubscribe != nil {
			defer unsubscribe()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var window []byte
		for {
			select {
			case <-m.stop:
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				window = append(window, frame...)
			case <-ticker.C:
				if fn != nil {
					fn(LevelPercent(window))
				}
				window = window[:0]
			}
		}
	}()

	return m
}

// Stop halts the monitor. Idempotent.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done reports monitor loop exit, for tests.
func (m *Monitor) Done() <-chan struct{} {
	if m == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// LevelPercent reduces a PCM S16LE window to a 0-100 level.
func LevelPercent(pcm []byte) float64 {
	rms := rmsEnergy(pcm)
	percent := rms / 32768.0 * 100.0 * levelScale
	return math.Min(100.0, percent)
}

func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
