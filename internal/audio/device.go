package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/voicesearch/internal/config"
)

// ErrTapInstalled is returned when a second consumer tries to attach to a device.
var ErrTapInstalled = errors.New("audio tap already installed")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerFrame returns the size of one frame across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// Duration returns the play time of the given number of bytes.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is one chunk of captured PCM.
type Buffer struct {
	PCM      []byte
	Format   Format
	Frames   int
	Captured time.Time
}

// TapFunc consumes captured buffers. It runs on the device goroutine and must not block.
type TapFunc func(Buffer)

// Device is an audio input with a single consumer tap.
type Device interface {
	Format() Format
	InstallTap(bufferSize int, tap TapFunc) error
	RemoveTap()
	Start(ctx context.Context) error
	Stop()
}

// Activator prepares the platform audio route before capture.
type Activator interface {
	Activate(ctx context.Context) error
	Deactivate() error
}

type nopActivator struct{}

// NopActivator returns an Activator that always succeeds.
func NopActivator() Activator { return nopActivator{} }

func (nopActivator) Activate(context.Context) error { return nil }
func (nopActivator) Deactivate() error              { return nil }

// ActivatorFor returns the device itself when it implements Activator.
func ActivatorFor(dev Device) Activator {
	if a, ok := dev.(Activator); ok {
		return a
	}
	return NopActivator()
}

// Open builds the capture device selected by cfg.Mode.
func Open(cfg config.AudioConfig) (Device, error) {
	format := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 16}
	switch cfg.Mode {
	case "", "synth":
		return NewSynthDevice(format, cfg.Realtime), nil
	case "wav":
		return NewWAVDevice(cfg.WAVPath, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unsupported audio mode %q", cfg.Mode)
	}
}

// source produces the next frames of PCM. filler reports that the source has no
// recorded audio left and is padding with silence.
type source interface {
	read(frames int) (pcm []byte, filler bool)
}

// pump drives a source on its own goroutine and hands buffers to the tap.
type pump struct {
	format   Format
	realtime bool
	src      func() (source, error)

	mu         sync.Mutex
	tap        TapFunc
	bufferSize int
	cancel     context.CancelFunc
	done       chan struct{}
}

func (p *pump) Format() Format { return p.format }

func (p *pump) InstallTap(bufferSize int, tap TapFunc) error {
	if tap == nil {
		return errors.New("audio tap must not be nil")
	}
	if bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tap != nil {
		return ErrTapInstalled
	}
	p.tap = tap
	p.bufferSize = bufferSize
	return nil
}

func (p *pump) RemoveTap() {
	p.mu.Lock()
	p.tap = nil
	p.mu.Unlock()
}

func (p *pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	src, err := p.src()
	if err != nil {
		return err
	}
	bufferSize := p.bufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, src, bufferSize, p.done)
	return nil
}

// Stop halts capture and waits for the pump goroutine. Safe to call repeatedly.
func (p *pump) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether capture is active.
func (p *pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *pump) run(ctx context.Context, src source, bufferSize int, done chan struct{}) {
	defer close(done)

	interval := time.Duration(bufferSize) * time.Second / time.Duration(p.format.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	paced := p.realtime
	for {
		if paced {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		pcm, filler := src.read(bufferSize)
		// Fast playback only applies to recorded audio; trailing silence is paced.
		paced = p.realtime || filler

		p.mu.Lock()
		tap := p.tap
		p.mu.Unlock()
		if tap == nil {
			continue
		}
		tap(Buffer{
			PCM:      pcm,
			Format:   p.format,
			Frames:   len(pcm) / p.format.BytesPerFrame(),
			Captured: time.Now(),
		})
	}
}
