// Package tui provides the interactive terminal monitor of http-mirror: the
// proxied flows with the delivery status of their mirrored envelopes.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/http-mirror/pkg/filter"
	"github.com/fidiego/http-mirror/pkg/proxy"
)

type viewMode int

const (
	viewList viewMode = iota
	viewDetail
)

// problemsFilter is toggled with "p": flows whose mirroring went wrong.
const problemsFilter = "~x failed | ~x dropped"

// flowEventMsg wraps a proxy.FlowEvent for the Bubbletea message bus.
type flowEventMsg proxy.FlowEvent

// replayDoneMsg reports a replay started from the monitor.
type replayDoneMsg struct {
	flow *proxy.Flow
	err  error
}

// Options configure what the title bar shows.
type Options struct {
	WebPort   int
	Collector string // empty when mirroring is off
}

// App is the root Bubbletea model.
type App struct {
	engine  *proxy.Engine
	store   *proxy.FlowStore
	eventCh chan proxy.FlowEvent
	opts    Options

	allFlows   []*proxy.Flow
	filtered   []*proxy.Flow
	filterExpr string
	match      filter.Filter

	mode viewMode

	table       table.Model
	detail      viewport.Model
	filterInput textinput.Model
	filterMode  bool

	width  int
	height int

	notice    string
	noticeExp time.Time
}

var columns = []table.Column{
	{Title: "#", Width: 5},
	{Title: "Method", Width: 8},
	{Title: "Status", Width: 6},
	{Title: "Upstream", Width: 12},
	{Title: "Path", Width: 36},
	{Title: "Time", Width: 7},
	{Title: "Size", Width: 7},
	{Title: "Mirror req", Width: 10},
	{Title: "Mirror resp", Width: 11},
}

const pathColumn = 4

// New creates a new App, subscribing to the given engine's flow store.
func New(engine *proxy.Engine, opts Options) *App {
	t := table.New(
		table.WithColumns(append([]table.Column(nil), columns...)),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		Selected: tableSelectedStyle,
		Cell:     lipgloss.NewStyle(),
	})

	fi := textinput.New()
	fi.Placeholder = "filter expression (e.g. ~u api & ~x failed)"
	fi.CharLimit = 256

	a := &App{
		engine:      engine,
		store:       engine.Store(),
		eventCh:     engine.Store().Subscribe(),
		opts:        opts,
		match:       filter.MatchAll,
		table:       t,
		detail:      viewport.New(80, 30),
		filterInput: fi,
	}
	// Flows proxied before the monitor started.
	a.allFlows = a.store.All()
	a.applyFilter()
	return a
}

// Init satisfies tea.Model.
func (a *App) Init() tea.Cmd {
	return waitForFlowEvent(a.eventCh)
}

// waitForFlowEvent returns a command that blocks until the next flow event.
func waitForFlowEvent(ch chan proxy.FlowEvent) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return flowEventMsg(evt)
	}
}

// Update satisfies tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.resize()

	case flowEventMsg:
		a.applyEvent(proxy.FlowEvent(msg))
		cmds = append(cmds, waitForFlowEvent(a.eventCh))

	case replayDoneMsg:
		if msg.err != nil {
			a.notify("replay failed: " + msg.err.Error())
		} else {
			a.notify(fmt.Sprintf("replayed as %s", msg.flow.ID))
		}

	case tea.KeyMsg:
		if a.filterMode {
			return a.updateFilterInput(msg, cmds)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "enter":
			if a.mode == viewList && len(a.filtered) > 0 {
				a.mode = viewDetail
				a.renderDetail()
			}
		case "esc", "backspace":
			a.mode = viewList
		case "f":
			a.filterMode = true
			a.filterInput.SetValue(a.filterExpr)
			a.filterInput.Focus()
			return a, textinput.Blink
		case "p":
			if a.filterExpr == problemsFilter {
				a.setFilter("")
			} else {
				a.setFilter(problemsFilter)
			}
		case "r":
			if cmd := a.replaySelected(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		case "d":
			a.store.Clear()
			a.allFlows = nil
			a.applyFilter()
			a.notify("cleared all flows")
		default:
			if a.mode == viewList {
				a.table, _ = a.table.Update(msg)
			} else {
				a.detail, _ = a.detail.Update(msg)
			}
		}
	}

	return a, tea.Batch(cmds...)
}

func (a *App) updateFilterInput(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		a.setFilter(a.filterInput.Value())
		a.filterMode = false
		a.filterInput.Blur()
	case "esc":
		a.filterMode = false
		a.filterInput.Blur()
	default:
		var cmd tea.Cmd
		a.filterInput, cmd = a.filterInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	return a, tea.Batch(cmds...)
}

func (a *App) setFilter(expr string) {
	f, err := filter.Parse(expr)
	if err != nil {
		a.notify(fmt.Sprintf("invalid filter: %v", err))
		return
	}
	a.filterExpr, a.match = expr, f
	a.applyFilter()
	if expr == "" {
		a.notify("filter cleared")
	} else {
		a.notify("filter: " + expr)
	}
}

// View satisfies tea.Model.
func (a *App) View() string {
	if a.width == 0 {
		return "Loading…"
	}
	var b strings.Builder

	b.WriteString(styleStatusBar.Width(a.width).Render(a.title()))
	b.WriteString("\n")

	contentHeight := a.height - 4
	switch a.mode {
	case viewList:
		a.table.SetHeight(contentHeight)
		b.WriteString(a.table.View())
	case viewDetail:
		a.detail.Height = contentHeight
		b.WriteString(a.detail.View())
	}

	if a.filterMode {
		b.WriteString("\n")
		b.WriteString(styleDivider.Render(strings.Repeat("─", a.width)))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render(" Filter: ") + a.filterInput.View())
	}

	b.WriteString("\n")
	switch {
	case a.notice != "" && time.Now().Before(a.noticeExp):
		b.WriteString(styleHelp.Width(a.width).Render(" " + a.notice))
	case a.mode == viewList:
		b.WriteString(styleHelp.Width(a.width).Render(
			" [f]ilter [p]roblems [r]eplay [d]clear [q]uit  ↑↓ navigate  ⏎ detail"))
	default:
		b.WriteString(styleHelp.Width(a.width).Render(
			" [esc] back  [r]eplay  ↑↓/PgUp/PgDn scroll"))
	}
	return b.String()
}

// title summarizes the proxy and the mirror's delivery counts.
func (a *App) title() string {
	names := make([]string, 0)
	for _, u := range a.engine.Router().Upstreams() {
		names = append(names, u.Name)
	}
	st := a.store.MirrorStats()
	mirror := "mirror off"
	if a.opts.Collector != "" {
		mirror = fmt.Sprintf("→ %s  sent %d/%d  pending %d  failed %d  dropped %d",
			a.opts.Collector, st.RequestsSent, st.ResponsesSent, st.Pending, st.Failed, st.Dropped)
	}
	t := fmt.Sprintf("http-mirror [%s]  %d flows  %s", strings.Join(names, ", "), st.Flows, mirror)
	if a.opts.WebPort > 0 {
		t += fmt.Sprintf("  api: http://localhost:%d", a.opts.WebPort)
	}
	if a.filterExpr != "" {
		t += "  filter: " + a.filterExpr
	}
	return t
}

// applyEvent updates the in-memory flow list and rebuilds the table.
func (a *App) applyEvent(evt proxy.FlowEvent) {
	if evt.Type == proxy.FlowEventNew {
		a.allFlows = append(a.allFlows, evt.Flow)
		if limit := a.engine.Options().MaxFlows; len(a.allFlows) > limit {
			a.allFlows = a.allFlows[len(a.allFlows)-limit:]
			a.applyFilter()
			return
		}
		if a.match(evt.Flow) {
			a.filtered = append(a.filtered, evt.Flow)
		}
	}
	a.rebuildTable()
	if a.mode == viewDetail {
		a.renderDetail()
	}
}

// applyFilter re-evaluates the filter against all known flows.
func (a *App) applyFilter() {
	a.filtered = a.filtered[:0]
	for _, f := range a.allFlows {
		if a.match(f) {
			a.filtered = append(a.filtered, f)
		}
	}
	a.rebuildTable()
}

func (a *App) rebuildTable() {
	rows := make([]table.Row, len(a.filtered))
	for i, f := range a.filtered {
		rows[i] = flowRow(i+1, f)
	}
	a.table.SetRows(rows)
	// The table leaves its cursor at -1 once emptied.
	if len(rows) > 0 && a.table.Cursor() < 0 {
		a.table.SetCursor(0)
	}
}

func (a *App) selectedFlow() *proxy.Flow {
	cursor := a.table.Cursor()
	if cursor < 0 || cursor >= len(a.filtered) {
		return nil
	}
	return a.filtered[cursor]
}

func (a *App) renderDetail() {
	f := a.selectedFlow()
	if f == nil {
		a.detail.SetContent("(no flow selected)")
		return
	}
	a.detail.SetContent(renderFlowDetail(f, a.width))
}

// replaySelected replays the selected flow in the background. The replay is
// mirrored as an internal exchange.
func (a *App) replaySelected() tea.Cmd {
	f := a.selectedFlow()
	if f == nil {
		a.notify("no flow selected")
		return nil
	}
	a.notify(fmt.Sprintf("replaying %s %s", f.Request.Method, f.Request.Path))
	id := f.ID
	return func() tea.Msg {
		replayed, err := a.engine.Replay(id)
		return replayDoneMsg{flow: replayed, err: err}
	}
}

func (a *App) notify(msg string) {
	a.notice = msg
	a.noticeExp = time.Now().Add(3 * time.Second)
}

// resize gives the path column whatever width the fixed columns leave.
func (a *App) resize() {
	cols := a.table.Columns()
	fixed := 0
	for i, c := range cols {
		if i != pathColumn {
			fixed += c.Width + 2
		}
	}
	if extra := a.width - fixed - 2; extra > 20 {
		cols[pathColumn].Width = extra
	}
	a.table.SetColumns(cols)
	a.table.SetHeight(a.height - 4)
	a.detail.Width = a.width
	a.detail.Height = a.height - 4
	a.filterInput.Width = a.width - 12
}

// Run starts the Bubbletea program, blocking until the user quits or ctx
// is cancelled.
func Run(ctx context.Context, engine *proxy.Engine, opts Options) error {
	app := New(engine, opts)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	engine.Store().Unsubscribe(app.eventCh)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
