package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/wav"
)

// WAVDevice replays a WAV recording as if it were captured live, then keeps
// delivering silence until stopped.
type WAVDevice struct {
	pump
	path string

	loadMu sync.Mutex
	loaded bool
	pcm    []byte
}

// NewWAVDevice returns a device backed by the WAV file at path. The file is
// decoded on first use.
func NewWAVDevice(path string, realtime bool) *WAVDevice {
	d := &WAVDevice{path: path}
	d.format = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	d.realtime = realtime
	d.src = func() (source, error) {
		pcm, err := d.load()
		if err != nil {
			return nil, err
		}
		return &recording{pcm: pcm, bytesPerFrame: d.format.BytesPerFrame()}, nil
	}
	return d
}

// Format reports the recording's format once it has been decoded.
func (d *WAVDevice) Format() Format {
	_, _ = d.load()
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	return d.format
}

// Activate verifies the recording can be decoded.
func (d *WAVDevice) Activate(context.Context) error {
	_, err := d.load()
	return err
}

func (d *WAVDevice) Deactivate() error { return nil }

func (d *WAVDevice) load() ([]byte, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if d.loaded {
		return d.pcm, nil
	}
	format, pcm, err := decodeWAV(d.path)
	if err != nil {
		return nil, err
	}
	d.format = format
	d.pcm = pcm
	d.loaded = true
	return pcm, nil
}

func decodeWAV(path string) (Format, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return Format{}, nil, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Format{}, nil, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Format{}, nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   16,
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return format, pcm, nil
}

type recording struct {
	pcm           []byte
	offset        int
	bytesPerFrame int
}

func (r *recording) read(frames int) ([]byte, bool) {
	want := frames * r.bytesPerFrame
	out := make([]byte, want)
	if r.offset >= len(r.pcm) {
		return out, true
	}
	n := copy(out, r.pcm[r.offset:])
	r.offset += n
	return out[:n], false
}
