package audio

// SynthDevice is an open microphone in a quiet room: it only ever captures silence.
type SynthDevice struct {
	pump
}

// NewSynthDevice returns a device producing silent PCM in the given format.
func NewSynthDevice(format Format, realtime bool) *SynthDevice {
	if format.BitDepth == 0 {
		format.BitDepth = 16
	}
	d := &SynthDevice{}
	d.format = format
	d.realtime = realtime
	d.src = func() (source, error) {
		return silence{bytesPerFrame: format.BytesPerFrame()}, nil
	}
	return d
}

type silence struct {
	bytesPerFrame int
}

func (s silence) read(frames int) ([]byte, bool) {
	return make([]byte, frames*s.bytesPerFrame), true
}
