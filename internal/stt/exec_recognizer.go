package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	vaudio "github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd       []string
	cfg       config.STTConfig
	available bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	_, lookErr := exec.LookPath(args[0])
	return &execRecognizer{
		cmd:       args,
		cfg:       cfg,
		available: lookErr == nil && localeSupported(cfg),
	}, nil
}

func (r *execRecognizer) Available() bool { return r.available }

func (r *execRecognizer) Locale() string { return r.cfg.Language }

func (r *execRecognizer) NewTask(ctx context.Context, format vaudio.Format, handler Handler) (Task, error) {
	if !r.available {
		return nil, fmt.Errorf("stt command %q not available", r.cmd[0])
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &execTask{
		r:       r,
		format:  format,
		handler: handler,
		ctx:     runCtx,
		cancel:  cancel,
		state:   TaskRunning,
		ended:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// transcribe runs the configured command once over the PCM captured so far.
func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, format vaudio.Format, final bool) (Result, error) {
	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	file, err := os.CreateTemp(os.TempDir(), "voicesearch_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, format.SampleRate, format.Channels); err != nil {
		return Result{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{
		Text:         resp.Text,
		SegmentCount: CountSegments(resp.Text),
		Final:        final,
		Confidence:   resp.Confidence,
	}, nil
}

type execTask struct {
	r       *execRecognizer
	format  vaudio.Format
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	buf     []byte
	state   TaskState
	endOnce sync.Once
	ended   chan struct{}
}

func (t *execTask) Append(buf vaudio.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskRunning {
		return
	}
	t.buf = append(t.buf, buf.PCM...)
}

func (t *execTask) EndAudio() { t.finish() }

func (t *execTask) Finish() { t.finish() }

func (t *execTask) finish() {
	t.mu.Lock()
	if t.state == TaskRunning {
		t.state = TaskFinishing
	}
	t.mu.Unlock()
	t.endOnce.Do(func() { close(t.ended) })
}

func (t *execTask) Cancel() {
	t.mu.Lock()
	if t.state != TaskCompleted {
		t.state = TaskCanceling
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *execTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *execTask) snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

func (t *execTask) complete() {
	t.mu.Lock()
	t.state = TaskCompleted
	t.mu.Unlock()
	t.cancel()
}

func (t *execTask) run() {
	defer t.complete()

	var tick <-chan time.Time
	if every := time.Duration(t.r.cfg.PartialEveryMS) * time.Millisecond; every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}

	lastLen := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick:
			pcm := t.snapshot()
			if len(pcm) == lastLen || len(pcm) == 0 {
				continue
			}
			lastLen = len(pcm)
			t.deliver(pcm, false)
		case <-t.ended:
			t.deliver(t.snapshot(), true)
			return
		}
	}
}

func (t *execTask) deliver(pcm []byte, final bool) {
	if len(pcm) == 0 && final {
		t.handler(Result{Final: true})
		return
	}
	result, err := t.r.transcribe(t.ctx, pcm, t.format, final)
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		t.handler(Result{Err: err})
		return
	}
	t.handler(result)
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		samples[i] = sample
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
