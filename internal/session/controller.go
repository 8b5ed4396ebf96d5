package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const inboxSize = 64

// Options tune the session lifecycle.
type Options struct {
	SilenceTimeout   time.Duration
	StopSettle       time.Duration
	BufferSize       int
	StrictActivation bool
	StopOnError      bool
}

// OptionsFromConfig builds controller options from the runtime config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SilenceTimeout:   time.Duration(cfg.Session.SilenceTimeoutMS) * time.Millisecond,
		StopSettle:       time.Duration(cfg.Session.StopSettleMS) * time.Millisecond,
		BufferSize:       cfg.Audio.BufferSize,
		StrictActivation: cfg.Audio.ActivationPolicy == "strict",
		StopOnError:      cfg.Session.RecognitionErrorPolicy == "stop",
	}
}

// Dependencies are the platform collaborators a controller drives.
type Dependencies struct {
	Device     audio.Device
	Activator  audio.Activator
	Recognizer stt.Recognizer
	Authorizer Authorizer
	Clock      Clock
}

// Controller owns at most one recording session. All state lives on a single
// goroutine; commands, recognition results and timer fires are serialized
// through one inbox.
type Controller struct {
	opts    Options
	deps    Dependencies
	clock   Clock
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer
	auth    AuthorizationStatus

	inbox     chan any
	done      chan struct{}
	listenSeq atomic.Uint64

	// owned by the loop goroutine
	state      State
	active     *activeSession
	transcript string
	wordCount  int
	lastReason StopReason
	generation uint64
	settleSeq  uint64
	settle     Timer
	pending    *startRequest
	listeners  map[uint64]Listener
}

type activeSession struct {
	id            string
	gen           uint64
	task          stt.Task
	lastWordCount int
	timer         Timer
	timerSeq      uint64
	startedAt     time.Time
	span          trace.Span
}

type startRequest struct {
	ctx    context.Context
	toggle bool
	reply  chan startReply
}

type startReply struct {
	id      string
	started bool
	err     error
}

type stopRequest struct{ reply chan error }

type snapshotRequest struct{ reply chan Snapshot }

type closeRequest struct{ reply chan struct{} }

type subscribeMsg struct {
	id       uint64
	listener Listener
}

type unsubscribeMsg struct{ id uint64 }

type resultMsg struct {
	gen    uint64
	result stt.Result
}

type silenceMsg struct{ gen, seq uint64 }

type settledMsg struct{ seq uint64 }

// Open requests speech authorization and starts the controller loop.
func Open(ctx context.Context, opts Options, deps Dependencies, logger *slog.Logger) (*Controller, error) {
	if deps.Device == nil {
		return nil, errors.New("session controller requires an audio device")
	}
	if deps.Recognizer == nil {
		return nil, errors.New("session controller requires a recognizer")
	}
	if deps.Activator == nil {
		deps.Activator = audio.ActivatorFor(deps.Device)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = StaticAuthorizer(Authorized)
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 1500 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}

	log := logger.With(slog.String("component", "session-controller"))
	status, err := deps.Authorizer.RequestAuthorization(ctx)
	if err != nil {
		log.Warn("speech authorization request failed", slogError(err))
		status = NotDetermined
	}
	log.Info("speech authorization", slog.String("status", status.String()))

	c := &Controller{
		opts:      opts,
		deps:      deps,
		clock:     deps.Clock,
		log:       log,
		metrics:   newMetrics(log),
		tracer:    otel.Tracer(instrumentationName),
		auth:      status,
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
	go c.run()
	return c, nil
}

// Authorization returns the status obtained when the controller opened.
func (c *Controller) Authorization() AuthorizationStatus { return c.auth }

// Subscribe registers a listener for subsequent events.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	id := c.listenSeq.Add(1)
	c.post(subscribeMsg{id: id, listener: l})
	return func() { c.post(unsubscribeMsg{id: id}) }
}

// Start begins a new session, tearing down any active one first.
func (c *Controller) Start(ctx context.Context) (string, error) {
	r, err := c.requestStart(ctx, false)
	return r.id, err
}

// Toggle stops an active session or starts a new one. It reports whether a
// session was started.
func (c *Controller) Toggle(ctx context.Context) (bool, string, error) {
	r, err := c.requestStart(ctx, true)
	return r.started, r.id, err
}

func (c *Controller) requestStart(ctx context.Context, toggle bool) (startReply, error) {
	req := &startRequest{ctx: ctx, toggle: toggle, reply: make(chan startReply, 1)}
	if err := c.send(ctx, req); err != nil {
		return startReply{}, err
	}
	select {
	case r := <-req.reply:
		return r, r.err
	case <-ctx.Done():
		return startReply{}, ctx.Err()
	case <-c.done:
		return startReply{}, ErrClosed
	}
}

// Stop ends the active session. Stopping an idle controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	req := stopRequest{reply: make(chan error, 1)}
	if err := c.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Snapshot returns the controller state after all previously queued work.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	if err := c.send(ctx, req); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, ErrClosed
	}
}

// Close tears down any active session and stops the loop.
func (c *Controller) Close() {
	req := closeRequest{reply: make(chan struct{})}
	if !c.post(req) {
		return
	}
	select {
	case <-req.reply:
	case <-c.done:
	}
	<-c.done
}

func (c *Controller) send(ctx context.Context, msg any) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for msg := range c.inbox {
		switch m := msg.(type) {
		case *startRequest:
			c.handleStart(m)
		case stopRequest:
			c.handleStop(m)
		case snapshotRequest:
			m.reply <- c.snapshot()
		case resultMsg:
			c.handleResult(m)
		case silenceMsg:
			c.handleSilence(m)
		case settledMsg:
			c.handleSettled(m)
		case subscribeMsg:
			c.listeners[m.id] = m.listener
		case unsubscribeMsg:
			delete(c.listeners, m.id)
		case closeRequest:
			c.handleClose(m)
			return
		}
	}
}

func (c *Controller) handleStart(req *startRequest) {
	if req.toggle {
		if c.active != nil {
			c.teardown(ReasonUser)
			req.reply <- startReply{}
			return
		}
		if c.pending != nil {
			c.cancelPending(ErrCanceled)
			req.reply <- startReply{}
			return
		}
	}
	if err := req.ctx.Err(); err != nil {
		req.reply <- startReply{err: err}
		return
	}
	if c.auth != Authorized {
		req.reply <- startReply{err: fmt.Errorf("%w: %s", ErrNotAuthorized, c.auth)}
		return
	}
	if !c.deps.Recognizer.Available() {
		c.log.Warn("speech recognizer not available", slog.String("locale", c.deps.Recognizer.Locale()))
		req.reply <- startReply{err: ErrUnavailable}
		return
	}
	if c.active != nil {
		c.teardown(ReasonRestart)
	}
	if c.state == StateSettling {
		c.cancelPending(ErrCanceled)
		c.pending = req
		return
	}

	id, err := c.begin(req.ctx)
	if err != nil {
		c.log.Warn("failed to start session", slogError(err))
		req.reply <- startReply{err: err}
		return
	}
	req.reply <- startReply{id: id, started: true}
}

func (c *Controller) begin(ctx context.Context) (string, error) {
	if err := c.deps.Activator.Activate(ctx); err != nil {
		if c.opts.StrictActivation {
			return "", fmt.Errorf("%w: %w", ErrActivation, err)
		}
		c.log.Warn("could not activate audio session, continuing", slogError(err))
	}

	c.generation++
	gen := c.generation
	task, err := c.deps.Recognizer.NewTask(ctx, c.deps.Device.Format(), func(r stt.Result) {
		c.post(resultMsg{gen: gen, result: r})
	})
	if err != nil {
		c.deactivate()
		return "", fmt.Errorf("create recognition task: %w", err)
	}
	if err := c.deps.Device.InstallTap(c.opts.BufferSize, task.Append); err != nil {
		task.Cancel()
		c.deactivate()
		return "", fmt.Errorf("install audio tap: %w", err)
	}
	if err := c.deps.Device.Start(ctx); err != nil {
		c.deps.Device.RemoveTap()
		task.Cancel()
		c.deactivate()
		return "", fmt.Errorf("%w: %w", ErrCapture, err)
	}

	s := &activeSession{
		id:        uuid.NewString(),
		gen:       gen,
		task:      task,
		startedAt: c.clock.Now(),
	}
	_, s.span = c.tracer.Start(context.WithoutCancel(ctx), "voice.session",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("stt.locale", c.deps.Recognizer.Locale()),
		))
	c.active = s
	c.state = StateRecording
	c.transcript = ""
	c.wordCount = 0
	c.metrics.started.Add(context.Background(), 1)
	c.log.Info("session started", slog.String("session_id", s.id))
	c.emit(Event{Kind: EventStarted, SessionID: s.id})
	return s.id, nil
}

func (c *Controller) handleResult(m resultMsg) {
	s := c.active
	if s == nil || s.gen != m.gen {
		return
	}
	r := m.result
	if r.Err != nil {
		c.metrics.errors.Add(context.Background(), 1)
		c.log.Warn("recognition error", slog.String("session_id", s.id), slogError(r.Err))
		c.emit(Event{Kind: EventError, SessionID: s.id, Err: r.Err})
		if c.opts.StopOnError {
			c.teardown(ReasonError)
		}
		return
	}

	c.transcript = r.Text
	c.wordCount = r.SegmentCount
	if r.SegmentCount != s.lastWordCount && s.task.State() == stt.TaskRunning {
		s.lastWordCount = r.SegmentCount
		c.armSilence(s)
	}
	c.emit(Event{Kind: EventTranscript, SessionID: s.id, Final: r.Final})

	if r.Final {
		s.task.EndAudio()
		c.teardown(ReasonFinal)
	}
}

// armSilence replaces any pending silence timer with a fresh one.
func (c *Controller) armSilence(s *activeSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerSeq++
	gen, seq := s.gen, s.timerSeq
	s.timer = c.clock.AfterFunc(c.opts.SilenceTimeout, func() {
		c.post(silenceMsg{gen: gen, seq: seq})
	})
	c.metrics.rearms.Add(context.Background(), 1)
}

func (c *Controller) handleSilence(m silenceMsg) {
	s := c.active
	if s == nil || s.gen != m.gen || s.timerSeq != m.seq {
		return
	}
	s.timer = nil
	c.log.Info("silence detected", slog.String("session_id", s.id), slog.Int("words", s.lastWordCount))
	c.teardown(ReasonSilence)
}

func (c *Controller) handleStop(req stopRequest) {
	if !c.teardown(ReasonUser) {
		c.cancelPending(ErrCanceled)
	}
	req.reply <- nil
}

func (c *Controller) handleSettled(m settledMsg) {
	if c.state != StateSettling || m.seq != c.settleSeq {
		return
	}
	c.settle = nil
	c.state = StateIdle
	c.emit(Event{Kind: EventSettled})
	if p := c.pending; p != nil {
		c.pending = nil
		p.toggle = false
		c.handleStart(p)
	}
}

func (c *Controller) handleClose(req closeRequest) {
	c.teardown(ReasonShutdown)
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.cancelPending(ErrClosed)
	c.state = StateIdle
	close(req.reply)
}

func (c *Controller) cancelPending(err error) {
	if c.pending == nil {
		return
	}
	c.pending.reply <- startReply{err: err}
	c.pending = nil
}

// teardown ends the active session. It reports false when there was none.
func (c *Controller) teardown(reason StopReason) bool {
	s := c.active
	if s == nil {
		return false
	}
	c.active = nil

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.task.Finish()
	c.deps.Device.Stop()
	c.deps.Device.RemoveTap()
	c.deactivate()

	elapsed := c.clock.Now().Sub(s.startedAt)
	c.metrics.sessionStopped(reason, elapsed)
	s.span.SetAttributes(
		attribute.String("session.stop_reason", string(reason)),
		attribute.Int("session.words", c.wordCount),
	)
	s.span.End()

	c.lastReason = reason
	if c.opts.StopSettle > 0 && reason != ReasonShutdown {
		c.state = StateSettling
		c.settleSeq++
		seq := c.settleSeq
		c.settle = c.clock.AfterFunc(c.opts.StopSettle, func() {
			c.post(settledMsg{seq: seq})
		})
	} else {
		c.state = StateIdle
	}

	c.log.Info("session stopped",
		slog.String("session_id", s.id),
		slog.String("reason", string(reason)),
		slog.Duration("duration", elapsed))
	c.emit(Event{Kind: EventStopped, SessionID: s.id, Reason: reason, Duration: elapsed})
	return true
}

func (c *Controller) deactivate() {
	if err := c.deps.Activator.Deactivate(); err != nil {
		c.log.Warn("audio session deactivation failed", slogError(err))
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:          c.state,
		Transcript:     c.transcript,
		WordCount:      c.wordCount,
		Authorization:  c.auth,
		LastStopReason: c.lastReason,
		UpdatedAt:      c.clock.Now(),
	}
	if c.active != nil {
		snap.SessionID = c.active.id
	}
	return snap
}

func (c *Controller) emit(ev Event) {
	ev.Snapshot = c.snapshot()
	for _, l := range c.listeners {
		l(ev)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
