package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/config"
)

type mockRecognizer struct {
	words     []string
	wordEvery time.Duration
	locale    string
	available bool
}

// NewMockRecognizer returns a recognizer that "hears" cfg.MockPhrase one word
// per cfg.MockWordMS of captured audio, whatever the audio contains.
func NewMockRecognizer(cfg config.STTConfig) Recognizer {
	every := time.Duration(cfg.MockWordMS) * time.Millisecond
	if every <= 0 {
		every = 400 * time.Millisecond
	}
	return &mockRecognizer{
		words:     strings.Fields(cfg.MockPhrase),
		wordEvery: every,
		locale:    cfg.Language,
		available: localeSupported(cfg),
	}
}

func (m *mockRecognizer) Available() bool { return m.available }

func (m *mockRecognizer) Locale() string { return m.locale }

func (m *mockRecognizer) NewTask(_ context.Context, format audio.Format, handler Handler) (Task, error) {
	t := &mockTask{
		words:     m.words,
		wordEvery: m.wordEvery,
		format:    format,
		handler:   handler,
		state:     TaskRunning,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	go t.run()
	return t, nil
}

type mockTask struct {
	words     []string
	wordEvery time.Duration
	format    audio.Format
	handler   Handler

	mu       sync.Mutex
	state    TaskState
	heard    time.Duration
	revealed int
	ended    bool
	quitOnce sync.Once
	wake     chan struct{}
	quit     chan struct{}
}

func (t *mockTask) Append(buf audio.Buffer) {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.heard += t.format.Duration(len(buf.PCM))
	t.mu.Unlock()
	t.notify()
}

func (t *mockTask) EndAudio() { t.finish() }

func (t *mockTask) Finish() { t.finish() }

func (t *mockTask) finish() {
	t.mu.Lock()
	if t.state == TaskRunning {
		t.state = TaskFinishing
		t.ended = true
	}
	t.mu.Unlock()
	t.notify()
}

func (t *mockTask) Cancel() {
	t.mu.Lock()
	if t.state != TaskCompleted {
		t.state = TaskCanceling
	}
	t.mu.Unlock()
	t.quitOnce.Do(func() { close(t.quit) })
}

func (t *mockTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *mockTask) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *mockTask) run() {
	for {
		select {
		case <-t.quit:
			t.mu.Lock()
			t.state = TaskCompleted
			t.mu.Unlock()
			return
		case <-t.wake:
		}

		t.mu.Lock()
		if t.state == TaskCanceling {
			t.state = TaskCompleted
			t.mu.Unlock()
			return
		}
		target := int(t.heard / t.wordEvery)
		if target > len(t.words) {
			target = len(t.words)
		}
		changed := target > t.revealed && !t.ended
		if changed {
			t.revealed = target
		}
		text := strings.Join(t.words[:t.revealed], " ")
		count := t.revealed
		ended := t.ended
		if ended {
			t.state = TaskCompleted
		}
		t.mu.Unlock()

		if changed {
			t.handler(Result{Text: text, SegmentCount: count, Confidence: 0.5})
		}
		if ended {
			t.handler(Result{Text: text, SegmentCount: count, Final: true, Confidence: 0.9})
			return
		}
	}
}
