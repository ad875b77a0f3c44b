package media

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"
)

func pcmSine(samples int, amplitude float64) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*float64(i)/48.0))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func TestLevelPercent_Silence(t *testing.T) {
	if got := LevelPercent(make([]byte, 960)); got != 0 {
		t.Errorf("LevelPercent(silence) = %v, want 0", got)
	}
	if got := LevelPercent(nil); got != 0 {
		t.Errorf("LevelPercent(nil) = %v, want 0", got)
	}
}

func TestLevelPercent_LoudSignalClamps(t *testing.T) {
	got := LevelPercent(pcmSine(480, 32000))
	if got != 100 {
		t.Errorf("LevelPercent(full-scale) = %v, want clamped 100", got)
	}
}

func TestLevelPercent_Monotonic(t *testing.T) {
	quiet := LevelPercent(pcmSine(480, 500))
	loud := LevelPercent(pcmSine(480, 5000))
	if quiet <= 0 {
		t.Errorf("quiet level = %v, want > 0", quiet)
	}
	if loud <= quiet {
		t.Errorf("loud %v should exceed quiet %v", loud, quiet)
	}
}

func TestMonitor_PublishesAndStops(t *testing.T) {
	frames := make(chan []byte, 8)
	frames <- pcmSine(480, 5000)

	var mu sync.Mutex
	var levels []float64
	unsubCalled := false

	m := StartMonitor(frames, func() { unsubCalled = true }, 10*time.Millisecond, func(p float64) {
		mu.Lock()
		levels = append(levels, p)
		mu.Unlock()
	}, nil)

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(levels) == 0 {
		t.Fatal("no levels published")
	}
	if levels[0] <= 0 {
		t.Errorf("first level = %v, want > 0", levels[0])
	}
	if !unsubCalled {
		t.Error("unsubscribe was not invoked on stop")
	}
}

func TestMonitor_ClosedTapExits(t *testing.T) {
	frames := make(chan []byte)
	close(frames)

	m := StartMonitor(frames, nil, 10*time.Millisecond, nil, nil)
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit on closed tap")
	}
}
