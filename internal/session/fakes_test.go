package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due callbacks on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.f()
	}
}

// Armed counts timers created with the given delay.
func (c *fakeClock) Armed(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.d == d {
			n++
		}
	}
	return n
}

// Pending counts timers with the given delay that have neither fired nor been stopped.
func (c *fakeClock) Pending(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type fakeDevice struct {
	mu       sync.Mutex
	tap      audio.TapFunc
	running  bool
	startErr error
	ops      []string
	maxTaps  int
	taps     int
}

func (d *fakeDevice) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

func (d *fakeDevice) InstallTap(_ int, tap audio.TapFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tap != nil {
		return audio.ErrTapInstalled
	}
	d.tap = tap
	d.taps++
	if d.taps > d.maxTaps {
		d.maxTaps = d.taps
	}
	d.ops = append(d.ops, "install")
	return nil
}

func (d *fakeDevice) RemoveTap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tap != nil {
		d.taps--
	}
	d.tap = nil
	d.ops = append(d.ops, "remove")
}

func (d *fakeDevice) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.running = true
	d.ops = append(d.ops, "start")
	return nil
}

func (d *fakeDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.ops = append(d.ops, "stop")
}

func (d *fakeDevice) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (d *fakeDevice) snapshot() (ops []string, tapped, running bool, maxTaps int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...), d.tap != nil, d.running, d.maxTaps
}

type fakeActivator struct {
	mu            sync.Mutex
	err           error
	activations   int
	deactivations int
}

func (a *fakeActivator) Activate(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activations++
	return a.err
}

func (a *fakeActivator) Deactivate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivations++
	return nil
}

type fakeRecognizer struct {
	mu        sync.Mutex
	available bool
	taskErr   error
	tasks     []*fakeTask
}

func (r *fakeRecognizer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *fakeRecognizer) Locale() string { return "en-US" }

func (r *fakeRecognizer) NewTask(_ context.Context, _ audio.Format, handler stt.Handler) (stt.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taskErr != nil {
		return nil, r.taskErr
	}
	t := &fakeTask{handler: handler, state: stt.TaskRunning}
	r.tasks = append(r.tasks, t)
	return t, nil
}

func (r *fakeRecognizer) task(i int) *fakeTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[i]
}

type fakeTask struct {
	handler stt.Handler

	mu        sync.Mutex
	state     stt.TaskState
	appended  int
	endAudios int
	finishes  int
	cancels   int
}

func (t *fakeTask) Append(audio.Buffer) {
	t.mu.Lock()
	t.appended++
	t.mu.Unlock()
}

func (t *fakeTask) EndAudio() {
	t.mu.Lock()
	t.endAudios++
	t.mu.Unlock()
}

func (t *fakeTask) Finish() {
	t.mu.Lock()
	t.finishes++
	t.state = stt.TaskFinishing
	t.mu.Unlock()
}

func (t *fakeTask) Cancel() {
	t.mu.Lock()
	t.cancels++
	t.state = stt.TaskCanceling
	t.mu.Unlock()
}

func (t *fakeTask) State() stt.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTask) setState(s stt.TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *fakeTask) counts() (endAudios, finishes, cancels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endAudios, t.finishes, t.cancels
}

// emit delivers a result the way an engine would, from outside the loop.
func (t *fakeTask) emit(text string, segments int, final bool) {
	t.handler(stt.Result{Text: text, SegmentCount: segments, Final: final})
}

func (t *fakeTask) fail(err error) {
	t.handler(stt.Result{Err: err})
}

type harness struct {
	t     *testing.T
	ctrl  *Controller
	clock *fakeClock
	dev   *fakeDevice
	act   *fakeActivator
	rec   *fakeRecognizer

	mu     sync.Mutex
	events []Event
}

const silence = 1500 * time.Millisecond

func defaultOptions() Options {
	return Options{SilenceTimeout: silence, BufferSize: 1024}
}

func newHarness(t *testing.T, opts Options, auth AuthorizationStatus) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: newFakeClock(),
		dev:   &fakeDevice{},
		act:   &fakeActivator{},
		rec:   &fakeRecognizer{available: true},
	}
	ctrl, err := Open(context.Background(), opts, Dependencies{
		Device:     h.dev,
		Activator:  h.act,
		Recognizer: h.rec,
		Authorizer: StaticAuthorizer(auth),
		Clock:      h.clock,
	}, newLogger())
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	ctrl.Subscribe(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

// sync waits until every message queued so far has been handled.
func (h *harness) sync() Snapshot {
	h.t.Helper()
	snap, err := h.ctrl.Snapshot(context.Background())
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) start() string {
	h.t.Helper()
	id, err := h.ctrl.Start(context.Background())
	if err != nil {
		h.t.Fatalf("start: %v", err)
	}
	return id
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var errBoom = errors.New("boom")
