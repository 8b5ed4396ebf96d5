package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicesearch/internal/bus"
	"github.com/loqalabs/voicesearch/internal/eventstore"
	"github.com/loqalabs/voicesearch/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultQueueSize = 256

// Service exposes a controller on the bus and journals its events.
type Service struct {
	ctrl     *Controller
	bus      *bus.Client
	store    *eventstore.Store
	locale   string
	log      *slog.Logger
	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	subs        []*nats.Subscription
	unsubscribe func()
	ready       atomic.Bool
}

// NewService wires a controller to the bus and event store. Either may be nil.
func NewService(parent context.Context, ctrl *Controller, busClient *bus.Client, store *eventstore.Store, locale string, queueSize int, logger *slog.Logger) *Service {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ctrl:   ctrl,
		bus:    busClient,
		store:  store,
		locale: locale,
		log:    logger.With(slog.String("component", "session-service")),
		queue:  make(chan Event, queueSize),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	s.wg.Add(1)
	go s.drain()
	s.unsubscribe = s.ctrl.Subscribe(s.enqueue)

	if s.bus != nil {
		subs, err := s.bus.Subscribe(s.handleCommand,
			protocol.SubjectControlStart,
			protocol.SubjectControlStop,
			protocol.SubjectControlToggle,
			protocol.SubjectControlStatus,
		)
		if err != nil {
			s.unsubscribe()
			s.halt()
			return fmt.Errorf("subscribe voice control: %w", err)
		}
		s.subs = subs
	}
	s.ready.Store(true)
	return nil
}

// Close stops command handling and flushes queued events. Events keep
// draining after the parent context is cancelled until Close runs.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.halt()
	if n := s.dropped.Load(); n > 0 {
		s.log.Warn("events dropped while queue was full", slog.Int64("count", n))
	}
}

func (s *Service) halt() {
	s.cancel()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && (s.bus == nil || s.bus.Healthy())
}

// enqueue runs on the controller goroutine and never blocks.
func (s *Service) enqueue(ev Event) {
	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("event queue full, dropping events", slog.String("kind", string(ev.Kind)))
		}
	}
}

func (s *Service) drain() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.handleEvent(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.queue:
					s.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handleEvent(ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	s.journal(ctx, ev)
	s.publish(ev)
}

func (s *Service) handleCommand(msg *nats.Msg) {
	action := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.log.Warn("failed to decode command", slogError(err))
		} else if cmd.Action != "" && cmd.Action != action {
			s.log.Warn("command action does not match subject",
				slog.String("subject", msg.Subject), slog.String("action", cmd.Action))
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	reply := s.ctrl.Execute(ctx, action)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal command reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to command", slogError(err))
	}
}

func (s *Service) journal(ctx context.Context, ev Event) {
	if !s.store.Enabled() || ev.SessionID == "" {
		return
	}
	snap := ev.Snapshot
	if ev.Kind == EventStarted {
		if err := s.store.BeginSession(ctx, ev.SessionID, s.locale, snap.UpdatedAt); err != nil {
			s.log.Warn("failed to record session", slog.String("session_id", ev.SessionID), slogError(err))
			return
		}
	}

	var payload any = StatusFor(ev)
	if ev.Kind == EventTranscript {
		payload = TranscriptFor(ev)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: ev.SessionID,
		Type:      string(ev.Kind),
		Payload:   data,
		CreatedAt: snap.UpdatedAt,
	}); err != nil {
		s.log.Warn("failed to journal event", slog.String("session_id", ev.SessionID), slogError(err))
	}

	if ev.Kind == EventStopped {
		if err := s.store.EndSession(ctx, ev.SessionID, string(ev.Reason), snap.Transcript, snap.WordCount, snap.UpdatedAt); err != nil {
			s.log.Warn("failed to close session record", slog.String("session_id", ev.SessionID), slogError(err))
		}
	}
}

func (s *Service) publish(ev Event) {
	if s.bus == nil {
		return
	}
	subject := protocol.SubjectSessionStatus
	var payload any = StatusFor(ev)
	if ev.Kind == EventTranscript {
		subject = protocol.SubjectTranscriptPartial
		if ev.Final {
			subject = protocol.SubjectTranscriptFinal
		}
		payload = TranscriptFor(ev)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		s.log.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// TranscriptFor converts a transcript event to its wire form.
func TranscriptFor(ev Event) protocol.Transcript {
	return protocol.Transcript{
		SessionID: ev.SessionID,
		Text:      ev.Snapshot.Transcript,
		Segments:  ev.Snapshot.WordCount,
		Partial:   !ev.Final,
		Timestamp: ev.Snapshot.UpdatedAt.UTC(),
	}
}

// StatusFor converts a lifecycle event to its wire form.
func StatusFor(ev Event) protocol.SessionStatus {
	st := protocol.SessionStatus{
		SessionID:  ev.SessionID,
		Event:      string(ev.Kind),
		State:      ev.Snapshot.State.String(),
		Reason:     string(ev.Reason),
		Transcript: ev.Snapshot.Transcript,
		WordCount:  ev.Snapshot.WordCount,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  ev.Snapshot.UpdatedAt.UTC(),
	}
	if ev.Err != nil {
		st.Error = ev.Err.Error()
	}
	return st
}
