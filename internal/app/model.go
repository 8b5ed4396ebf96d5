package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/voicesearch/internal/session"
	"github.com/loqalabs/voicesearch/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// DefaultLabel is shown until the first transcript arrives.
const DefaultLabel = "Voice Results"

const (
	buttonTitle    = "Voice Search"
	commandTimeout = 5 * time.Second
	eventQueueSize = 64
)

// Controller is the part of the session controller the screen drives.
type Controller interface {
	Toggle(ctx context.Context) (bool, string, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Authorization() session.AuthorizationStatus
}

// Subscriber registers controller listeners.
type Subscriber interface {
	Subscribe(l session.Listener) (unsubscribe func())
}

// Feed turns controller events into a channel the model can wait on. Events
// are dropped when the screen falls behind.
func Feed(s Subscriber) (<-chan session.Event, func()) {
	ch := make(chan session.Event, eventQueueSize)
	unsubscribe := s.Subscribe(func(ev session.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, unsubscribe
}

// Model is the root bubbletea model: one button, one label, one status line.
type Model struct {
	ctrl   Controller
	events <-chan session.Event

	authorization session.AuthorizationStatus
	recording     bool
	toggling      bool
	sessionID     string
	label         string
	wordCount     int
	statusText    string

	errorMessage   string
	errorTransient bool

	width  int
	height int
}

// New creates a Model with default state.
func New(ctrl Controller, events <-chan session.Event) Model {
	auth := ctrl.Authorization()
	status := "Press space to search"
	if auth != session.Authorized {
		status = fmt.Sprintf("Speech recognition %s", strings.ReplaceAll(auth.String(), "_", " "))
	}
	return Model{
		ctrl:          ctrl,
		events:        events,
		authorization: auth,
		label:         DefaultLabel,
		statusText:    status,
	}
}

// Init fetches the current state and starts listening for controller events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(snapshotCmd(m.ctrl), waitForEventCmd(m.events))
}

func snapshotCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		snap, err := ctrl.Snapshot(ctx)
		return SnapshotMsg{Snapshot: snap, Err: err}
	}
}

// waitForEventCmd blocks until the next controller event.
func waitForEventCmd(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return EventsClosedMsg{}
		}
		return SessionEventMsg{Event: ev}
	}
}

func toggleCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		started, id, err := ctrl.Toggle(ctx)
		return ToggleResultMsg{Started: started, SessionID: id, Err: err}
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case SnapshotMsg:
		if msg.Err != nil {
			return m, m.showError(msg.Err.Error())
		}
		m.applySnapshot(msg.Snapshot)
		return m, nil

	case SessionEventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, waitForEventCmd(m.events))

	case EventsClosedMsg:
		m.statusText = "Controller stopped"
		return m, nil

	case ToggleResultMsg:
		m.toggling = false
		if msg.Err != nil {
			return m, m.showError(msg.Err.Error())
		}
		if msg.Started {
			m.recording = true
			m.sessionID = msg.SessionID
		}
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) applySnapshot(snap session.Snapshot) {
	m.recording = snap.Recording()
	m.sessionID = snap.SessionID
	m.wordCount = snap.WordCount
	if snap.Recording() || snap.Transcript != "" {
		m.label = snap.Transcript
	}
}

// handleEvent processes a controller event and returns any resulting command.
func (m *Model) handleEvent(ev session.Event) tea.Cmd {
	switch ev.Kind {
	case session.EventStarted:
		m.recording = true
		m.sessionID = ev.SessionID
		m.wordCount = 0
		m.statusText = "Listening..."

	case session.EventTranscript:
		m.label = ev.Snapshot.Transcript
		m.wordCount = ev.Snapshot.WordCount

	case session.EventError:
		if ev.Err != nil {
			return m.showError(ev.Err.Error())
		}

	case session.EventStopped:
		m.recording = false
		m.sessionID = ""
		m.statusText = stopStatus(ev.Reason)

	case session.EventSettled:
		if !m.recording {
			m.statusText = "Press space to search"
		}
	}
	return nil
}

func stopStatus(reason session.StopReason) string {
	switch reason {
	case session.ReasonSilence:
		return "Stopped after a pause"
	case session.ReasonFinal:
		return "Done"
	case session.ReasonUser:
		return "Stopped"
	case session.ReasonError:
		return "Stopped on recognition error"
	case session.ReasonRestart:
		return "Restarting..."
	default:
		return "Idle"
	}
}

func (m *Model) showError(msg string) tea.Cmd {
	m.errorMessage = msg
	m.errorTransient = true
	return clearTransientErrorCmd()
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return m, tea.Quit

	case KeySpace, KeyEnter:
		if m.authorization != session.Authorized {
			return m, m.showError("speech recognition is not authorized")
		}
		if m.toggling {
			return m, nil
		}
		m.toggling = true
		return m, toggleCmd(m.ctrl)
	}
	return m, nil
}

// View renders the screen.
func (m Model) View() string {
	var sections []string

	sections = append(sections, ui.TitleStyle.Render("VOICESEARCH"))
	sections = append(sections, m.renderButton())
	sections = append(sections, m.renderLabel())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", max(20, m.width))))
	sections = append(sections, m.renderStatusBar())
	if m.errorMessage != "" {
		sections = append(sections, ui.ErrorTextStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderButton() string {
	switch {
	case m.authorization != session.Authorized:
		return ui.ButtonDisabledStyle.Render(buttonTitle)
	case m.recording:
		return ui.ButtonRecordingStyle.Render(buttonTitle)
	default:
		return ui.ButtonStyle.Render(buttonTitle)
	}
}

func (m Model) renderLabel() string {
	if m.label == DefaultLabel {
		return ui.PlaceholderStyle.Render(m.label)
	}
	style := ui.LabelStyle
	if m.width > 4 {
		style = style.Width(m.width - 2)
	}
	return style.Render(m.label)
}

func (m Model) renderStatusBar() string {
	var dot string
	if m.recording {
		dot = ui.RecordingDotStyle.Render("● REC")
	} else {
		dot = ui.IdleDotStyle.Render("○ IDLE")
	}
	status := dot + "  " + ui.StatusStyle.Render(m.statusText)
	if m.recording || m.wordCount > 0 {
		status += "  " + ui.WordCountStyle.Render(fmt.Sprintf("%d words", m.wordCount))
	}
	return status
}

func (m Model) renderFooter() string {
	return ui.FooterKeyStyle.Render("space") + ui.FooterDescStyle.Render(" search/stop  ") +
		ui.FooterKeyStyle.Render("q") + ui.FooterDescStyle.Render(" quit")
}
