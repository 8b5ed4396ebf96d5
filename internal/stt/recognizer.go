package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/config"
)

// Result is one transcription update from a recognition task. Err is set
// instead of text when the stream failed.
type Result struct {
	Text         string
	SegmentCount int
	Final        bool
	Confidence   float64
	Err          error
}

// Handler receives results on the task's goroutine.
type Handler func(Result)

// TaskState mirrors the lifecycle of a recognition request.
type TaskState int

const (
	TaskStarting TaskState = iota
	TaskRunning
	TaskFinishing
	TaskCanceling
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskFinishing:
		return "finishing"
	case TaskCanceling:
		return "canceling"
	case TaskCompleted:
		return "completed"
	default:
		return fmt.Sprintf("task_state(%d)", int(s))
	}
}

// Task is a streaming recognition request. Append must not block.
type Task interface {
	Append(buf audio.Buffer)
	EndAudio()
	Finish()
	Cancel()
	State() TaskState
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Available() bool
	Locale() string
	NewTask(ctx context.Context, format audio.Format, handler Handler) (Task, error)
}

// CountSegments returns the number of recognized words in a transcription.
func CountSegments(text string) int {
	return len(strings.Fields(text))
}

// Open builds the recognizer selected by cfg.Mode.
func Open(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func localeSupported(cfg config.STTConfig) bool {
	if strings.TrimSpace(cfg.Language) == "" {
		return false
	}
	if len(cfg.SupportedLocales) == 0 {
		return true
	}
	for _, l := range cfg.SupportedLocales {
		if strings.EqualFold(l, cfg.Language) {
			return true
		}
	}
	return false
}
