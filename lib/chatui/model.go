// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/roomsync/lib/coordinator"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/tui"
	"github.com/bureau-foundation/roomsync/transport"
)

// BackfillPage is how many older events one scroll past the top
// requests.
const BackfillPage = 50

// backfillTimeout bounds one /messages request started from the view.
const backfillTimeout = 30 * time.Second

// composerHeight is the number of text rows in the message composer.
const composerHeight = 3

// Messages delivered to Update.
type (
	notificationMsg struct{ notification coordinator.Notification }

	// notificationsClosedMsg: the coordinator closed the subscription.
	notificationsClosedMsg struct{}

	actionResultMsg struct {
		action string
		err    error
	}

	backfillResultMsg struct {
		roomID   ref.RoomID
		inserted int
		err      error
	}

	statusFadeMsg struct{ generation int }
)

// Model is the bubbletea model for the chat view.
type Model struct {
	source        Source
	notifications <-chan coordinator.Notification
	theme         tui.Theme

	rooms  []ref.RoomID
	active int

	composer textarea.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	state   transport.State
	version uint64
	// failedLines are the viewport lines of failed echoes.
	failedLines []int

	status           string
	statusLevel      slog.Level
	statusGeneration int

	backfilling bool
	// exhausted marks rooms whose history has no older events.
	exhausted map[ref.RoomID]bool

	// Room switcher: query filters rooms, matches indexes model.rooms
	// best first.
	switching bool
	query     string
	matches   []int
}

// NewModel creates a chat view over source's rooms, starting with
// initial (or the first room when initial is zero or not synced).
// notifications is usually a coordinator subscription's channel; nil
// disables live updates.
func NewModel(source Source, notifications <-chan coordinator.Notification, initial ref.RoomID) Model {
	rooms := source.Rooms()
	active := 0
	for index, roomID := range rooms {
		if roomID == initial {
			active = index
		}
	}

	composer := textarea.New()
	composer.Placeholder = "Message"
	composer.ShowLineNumbers = false
	composer.Prompt = "> "
	composer.CharLimit = 0
	composer.SetHeight(composerHeight)
	composer.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	composer.Focus()

	return Model{
		source:        source,
		notifications: notifications,
		theme:         tui.DefaultTheme,
		rooms:         rooms,
		active:        active,
		composer:      composer,
		state:         source.ConnectionState(),
		exhausted:     make(map[ref.RoomID]bool),
	}
}

// Room returns the room being displayed, zero if there are none.
func (model Model) Room() ref.RoomID {
	if len(model.rooms) == 0 {
		return ref.RoomID{}
	}
	return model.rooms[model.active]
}

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, listenForNotification(model.notifications))
}

// listenForNotification returns a tea.Cmd that blocks until the next
// notification arrives.
func listenForNotification(channel <-chan coordinator.Notification) tea.Cmd {
	if channel == nil {
		return nil
	}
	return func() tea.Msg {
		notification, ok := <-channel
		if !ok {
			return notificationsClosedMsg{}
		}
		return notificationMsg{notification: notification}
	}
}

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.resize(message.Width, message.Height)
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(message)

	case tea.MouseMsg:
		var command tea.Cmd
		model.viewport, command = model.viewport.Update(message)
		return model, tea.Batch(command, model.maybeBackfill())

	case notificationMsg:
		command := model.handleNotification(message.notification)
		return model, tea.Batch(command, listenForNotification(model.notifications))

	case notificationsClosedMsg:
		model.notifications = nil
		return model, nil

	case actionResultMsg:
		if message.err != nil {
			return model, model.setStatus(slog.LevelError, fmt.Sprintf("%s failed: %v", message.action, message.err))
		}
		model.refresh()
		return model, nil

	case backfillResultMsg:
		model.backfilling = false
		if message.err != nil {
			return model, model.setStatus(slog.LevelWarn, fmt.Sprintf("loading history failed: %v", message.err))
		}
		if message.inserted == 0 {
			model.exhausted[message.roomID] = true
			return model, model.setStatus(slog.LevelInfo, "start of history")
		}
		if message.roomID == model.Room() {
			model.refreshKeepingOffset()
		}
		return model, nil

	case logRecordMsg:
		return model, model.setStatus(message.Level, message.Summary)

	case statusFadeMsg:
		if message.generation == model.statusGeneration {
			model.status = ""
		}
		return model, nil
	}

	var command tea.Cmd
	model.composer, command = model.composer.Update(message)
	return model, command
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.switching {
		return model.handleSwitcherKey(message)
	}

	switch message.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return model, tea.Quit

	case tea.KeyEnter:
		return model, model.send()

	case tea.KeyTab:
		if len(model.rooms) > 1 {
			model.selectRoom((model.active + 1) % len(model.rooms))
		}
		return model, nil

	case tea.KeyCtrlK:
		if len(model.rooms) > 1 {
			model.switching = true
			model.query = ""
			model.filterRooms()
		}
		return model, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var command tea.Cmd
		model.viewport, command = model.viewport.Update(message)
		return model, tea.Batch(command, model.maybeBackfill())

	case tea.KeyCtrlR:
		return model, model.actOnFailed("retry", model.source.Retry)

	case tea.KeyCtrlX:
		return model, model.actOnFailed("discard", model.source.Discard)
	}

	var command tea.Cmd
	model.composer, command = model.composer.Update(message)
	return model, command
}

func (model Model) handleSwitcherKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch message.Type {
	case tea.KeyCtrlC:
		return model, tea.Quit

	case tea.KeyEsc:
		model.switching = false

	case tea.KeyEnter:
		model.switching = false
		if len(model.matches) > 0 && model.matches[0] != model.active {
			model.selectRoom(model.matches[0])
		}

	case tea.KeyBackspace:
		if runes := []rune(model.query); len(runes) > 0 {
			model.query = string(runes[:len(runes)-1])
			model.filterRooms()
		}

	case tea.KeySpace:
		model.query += " "
		model.filterRooms()

	case tea.KeyRunes:
		model.query += string(message.Runes)
		model.filterRooms()
	}
	return model, nil
}

// filterRooms ranks the rooms against the switcher query.
func (model *Model) filterRooms() {
	names := make([]string, len(model.rooms))
	for index, roomID := range model.rooms {
		names[index] = roomID.String()
	}
	model.matches = tui.FuzzyFilter(names, model.query)
}

func (model *Model) selectRoom(index int) {
	model.active = index
	model.version = 0
	model.refresh()
	model.viewport.GotoBottom()
}

// send queues the composer's text for the active room.
func (model *Model) send() tea.Cmd {
	body := strings.TrimSpace(model.composer.Value())
	roomID := model.Room()
	if body == "" || roomID.IsZero() {
		return nil
	}
	model.composer.Reset()
	source := model.source
	return func() tea.Msg {
		_, err := source.EnqueueText(roomID, body)
		return actionResultMsg{action: "send", err: err}
	}
}

// actOnFailed applies action to the newest failed echo in the active
// room.
func (model *Model) actOnFailed(name string, action func(localID string) error) tea.Cmd {
	localID, ok := newestFailed(model.source.Timeline(model.Room()).Echoes())
	if !ok {
		return model.setStatus(slog.LevelInfo, "no failed messages")
	}
	return func() tea.Msg {
		return actionResultMsg{action: name, err: action(localID)}
	}
}

// maybeBackfill requests older history when the viewport is scrolled
// to the top and no request is outstanding.
func (model *Model) maybeBackfill() tea.Cmd {
	roomID := model.Room()
	if !model.ready || roomID.IsZero() || model.backfilling || model.exhausted[roomID] || !model.viewport.AtTop() {
		return nil
	}
	model.backfilling = true
	source := model.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		inserted, err := source.Backfill(ctx, roomID, BackfillPage)
		return backfillResultMsg{roomID: roomID, inserted: inserted, err: err}
	}
}

func (model *Model) handleNotification(notification coordinator.Notification) tea.Cmd {
	switch notification.Kind {
	case coordinator.TimelineChanged:
		if notification.RoomID == model.Room() {
			model.refresh()
		}
	case coordinator.ConnectionChanged:
		model.state = notification.State
	case coordinator.AuthLost:
		model.state = transport.AuthFailed
		return model.setStatus(slog.LevelError, "session rejected by the homeserver; run 'roomsync login'")
	case coordinator.DeliveryFailed:
		if notification.Failure != nil {
			return model.setStatus(slog.LevelWarn, fmt.Sprintf("message not delivered: %v (ctrl+r retry, ctrl+x discard)", notification.Failure.Err))
		}
	}
	return nil
}

// setStatus shows text in the status line and schedules its removal.
func (model *Model) setStatus(level slog.Level, text string) tea.Cmd {
	model.status = text
	model.statusLevel = level
	model.statusGeneration++
	generation := model.statusGeneration
	return tea.Tick(statusFadeDelay, func(time.Time) tea.Msg {
		return statusFadeMsg{generation: generation}
	})
}

func (model *Model) resize(width, height int) {
	model.width = width
	model.height = height

	// Header, composer border line, composer and status line.
	viewportHeight := max(height-composerHeight-3, 1)
	viewportWidth := max(width-1, 1) // scrollbar column

	if !model.ready {
		model.viewport = viewport.New(viewportWidth, viewportHeight)
		model.ready = true
	} else {
		model.viewport.Width = viewportWidth
		model.viewport.Height = viewportHeight
	}
	model.composer.SetWidth(width)

	model.version = 0
	model.refresh()
	model.viewport.GotoBottom()
}

// refresh re-renders the active room from its current snapshot,
// following the bottom if the view was already there.
func (model *Model) refresh() {
	if !model.ready {
		return
	}
	snapshot := model.source.Timeline(model.Room())
	if model.version != 0 && snapshot.Version() == model.version {
		return
	}
	atBottom := model.viewport.AtBottom()
	model.version = snapshot.Version()
	content, failed := renderTimeline(snapshot.All(), model.viewport.Width, model.theme, model.source.UserID())
	model.viewport.SetContent(content)
	model.failedLines = failed
	if atBottom {
		model.viewport.GotoBottom()
	}
}

// refreshKeepingOffset re-renders after older events were prepended,
// keeping the previously visible lines in place.
func (model *Model) refreshKeepingOffset() {
	before := model.viewport.TotalLineCount()
	offset := model.viewport.YOffset
	model.version = 0
	model.refresh()
	model.viewport.SetYOffset(offset + model.viewport.TotalLineCount() - before)
}

// View implements tea.Model.
func (model Model) View() string {
	if !model.ready {
		return "Loading..."
	}

	var body string
	if model.switching {
		body = model.switcherView()
	} else {
		body = lipgloss.JoinHorizontal(lipgloss.Top,
			model.viewport.View(),
			tui.Scrollbar{
				Height:   model.viewport.Height,
				Total:    model.viewport.TotalLineCount(),
				Visible:  model.viewport.Height,
				Offset:   model.viewport.YOffset,
				Detached: !model.viewport.AtBottom(),
				Failed:   model.failedLines,
			}.Render(model.theme),
		)
	}
	separator := lipgloss.NewStyle().Foreground(model.theme.BorderColor).Render(strings.Repeat("─", max(model.width, 1)))

	return strings.Join([]string{
		model.header(),
		body,
		separator,
		model.composer.View(),
		model.statusLine(),
	}, "\n")
}

// switcherView fills the viewport area with the query and the ranked
// rooms, the selection first.
func (model Model) switcherView() string {
	lines := []string{
		lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true).Render("Switch room: ") + model.query,
	}
	if len(model.matches) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(model.theme.FaintText).Render("  no matching rooms"))
	}
	for position, index := range model.matches {
		if len(lines) >= model.viewport.Height {
			break
		}
		if position == 0 {
			lines = append(lines, lipgloss.NewStyle().Foreground(model.theme.Accent).Bold(true).Render("> "+model.rooms[index].String()))
			continue
		}
		lines = append(lines, lipgloss.NewStyle().Foreground(model.theme.NormalText).Render("  "+model.rooms[index].String()))
	}
	for len(lines) < model.viewport.Height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (model Model) header() string {
	roomLabel := "no rooms"
	if roomID := model.Room(); !roomID.IsZero() {
		roomLabel = roomID.String()
		if len(model.rooms) > 1 {
			roomLabel = fmt.Sprintf("%s [%d/%d]", roomLabel, model.active+1, len(model.rooms))
		}
	}
	title := lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true).Render(roomLabel)
	state := lipgloss.NewStyle().Foreground(model.theme.StateColor(model.state)).Render(model.state.String())

	header := title + "  " + state
	if echoes := len(model.source.Timeline(model.Room()).Echoes()); echoes > 0 {
		header += lipgloss.NewStyle().Foreground(model.theme.FaintText).Render(fmt.Sprintf("  %d unsent", echoes))
	}
	return header
}

func (model Model) statusLine() string {
	if model.status != "" {
		color := model.theme.NormalText
		switch {
		case model.statusLevel >= slog.LevelError:
			color = model.theme.ErrorText
		case model.statusLevel >= slog.LevelWarn:
			color = model.theme.WarningText
		}
		return lipgloss.NewStyle().Foreground(color).Render(model.status)
	}
	help := "enter send  alt+enter newline  pgup history  ctrl+r retry  ctrl+x discard  esc quit"
	if len(model.rooms) > 1 {
		help = "tab room  ctrl+k find room  " + help
	}
	return lipgloss.NewStyle().Foreground(model.theme.HelpText).Render(help)
}
