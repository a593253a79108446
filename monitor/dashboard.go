package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/OrrinLabs/tally/counter"
	"github.com/OrrinLabs/tally/models"
)

const (
	refreshInterval = 2 * time.Second
	statsBudget     = 3 * time.Second
	tailLimit       = 200
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	eventStyles = map[models.CounterEventKind]lipgloss.Style{
		models.EventCounterCreated: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.EventDeltaApplied:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		models.EventShardSplit:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.EventShardsMerged:   lipgloss.NewStyle().Foreground(lipgloss.Color("135")),
		models.EventCounterDeleted: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
)

type tickMsg time.Time

type statsMsg struct {
	rows []counterRow
	err  error
}

type feedMsg struct {
	event models.CounterEvent
	open  bool
}

type counterRow struct {
	id     string
	total  int64
	shards int
	bounds models.Bounds
}

type dashboardConfig struct {
	logger     *slog.Logger
	management *counter.Management
	feed       <-chan models.CounterEvent
}

type dashboard struct {
	cfg dashboardConfig

	rows      []counterRow
	statsErr  error
	refreshed time.Time

	tail     []string
	viewport viewport.Model
	width    int
	height   int
	quitting bool
}

func newDashboard(cfg dashboardConfig) dashboard {
	// Proper sizing happens on the first WindowSizeMsg.
	vp := viewport.New(80, 16)
	return dashboard{
		cfg:      cfg,
		viewport: vp,
	}
}

func (d dashboard) Init() tea.Cmd {
	return tea.Batch(d.refreshStats, d.waitForEvent, d.scheduleTick())
}

func (d dashboard) scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (d dashboard) refreshStats() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), statsBudget)
	defer cancel()

	ids, err := d.cfg.management.ListCounters(ctx)
	if err != nil {
		return statsMsg{err: err}
	}
	sort.Strings(ids)

	rows := make([]counterRow, 0, len(ids))
	for _, id := range ids {
		lc, err := d.cfg.management.GetCounter(ctx, id)
		if err != nil {
			// Deleted between list and read.
			continue
		}
		snapshot, err := d.cfg.management.Aggregate(ctx, id)
		if err != nil {
			continue
		}
		rows = append(rows, counterRow{
			id:     id,
			total:  snapshot.Total,
			shards: len(lc.ShardIDs),
			bounds: lc.Bounds,
		})
	}
	return statsMsg{rows: rows}
}

func (d dashboard) waitForEvent() tea.Msg {
	event, open := <-d.cfg.feed
	return feedMsg{event: event, open: open}
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var vpCmd tea.Cmd
	d.viewport, vpCmd = d.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		d.layout()
		return d, vpCmd

	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.String() == "q":
			d.quitting = true
			return d, tea.Quit
		case msg.String() == "r":
			log.Info("Manual refresh requested")
			return d, tea.Batch(vpCmd, d.refreshStats)
		}
		return d, vpCmd

	case tickMsg:
		return d, tea.Batch(vpCmd, d.refreshStats, d.scheduleTick())

	case statsMsg:
		d.statsErr = msg.err
		if msg.err == nil {
			d.rows = msg.rows
			d.refreshed = time.Now()
		} else {
			d.cfg.logger.Warn("stats refresh failed", "error", msg.err)
		}
		d.layout()
		return d, vpCmd

	case feedMsg:
		if !msg.open {
			d.tail = append(d.tail, dimStyle.Render("event feed closed"))
			d.renderTail()
			return d, vpCmd
		}
		d.tail = append(d.tail, formatEvent(msg.event))
		if len(d.tail) > tailLimit {
			d.tail = d.tail[len(d.tail)-tailLimit:]
		}
		d.renderTail()
		return d, tea.Batch(vpCmd, d.waitForEvent)
	}

	return d, vpCmd
}

// layout resizes the event viewport to whatever the header and footer
// leave over.
func (d *dashboard) layout() {
	if d.width == 0 || d.height == 0 {
		return
	}
	tailHeight := d.height - lipgloss.Height(d.headerView()) - lipgloss.Height(d.footerView())
	if tailHeight < 3 {
		tailHeight = 3
	}
	d.viewport.Width = d.width
	d.viewport.Height = tailHeight
	d.renderTail()
}

func (d *dashboard) renderTail() {
	content := strings.Join(d.tail, "\n")
	if content == "" {
		content = dimStyle.Render("waiting for events...")
	}
	d.viewport.SetContent(lipgloss.NewStyle().Width(d.viewport.Width).Render(content))
	d.viewport.GotoBottom()
}

func (d dashboard) View() string {
	if d.quitting {
		return "Goodbye!\n"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		d.headerView(),
		d.viewport.View(),
		d.footerView(),
	)
}

func (d dashboard) headerView() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tally"))
	if !d.refreshed.IsZero() {
		b.WriteString(" ")
		b.WriteString(dimStyle.Render("refreshed " + d.refreshed.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if d.statsErr != nil {
		b.WriteString(errorStyle.Render("stats unavailable: " + d.statsErr.Error()))
		b.WriteString("\n")
	}

	if len(d.rows) == 0 {
		b.WriteString(dimStyle.Render("no counters yet"))
		b.WriteString("\n")
	} else {
		b.WriteString(headingStyle.Render(fmt.Sprintf("%-28s %14s %8s  %s", "COUNTER", "TOTAL", "SHARDS", "BOUNDS")))
		b.WriteString("\n")
		for _, row := range d.rows {
			b.WriteString(fmt.Sprintf("%-28s %14d %8d  %s",
				truncate(row.id, 28), row.total, row.shards, boundsLabel(row.bounds)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(headingStyle.Render("EVENTS"))
	return b.String()
}

func (d dashboard) footerView() string {
	return dimStyle.Render("q quit · r refresh · arrows scroll")
}

func boundsLabel(bounds models.Bounds) string {
	if !bounds.Enabled() {
		return "unbounded"
	}
	return fmt.Sprintf("%d..%d", bounds.Min, bounds.Max)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatEvent(event models.CounterEvent) string {
	style, ok := eventStyles[event.Kind]
	if !ok {
		style = dimStyle
	}

	var detail string
	switch event.Kind {
	case models.EventCounterCreated:
		detail = fmt.Sprintf("created %s", event.CounterID)
	case models.EventCounterDeleted:
		detail = fmt.Sprintf("deleted %s", event.CounterID)
	case models.EventDeltaApplied:
		detail = fmt.Sprintf("%s %+d on %s, now %d", event.CounterID, event.Delta, event.ShardID, event.Value)
	case models.EventShardSplit:
		detail = fmt.Sprintf("%s split %s at value %d", event.CounterID, event.ShardID, event.Value)
	case models.EventShardsMerged:
		detail = fmt.Sprintf("%s folded %d into %s, now %d", event.CounterID, event.Delta, event.ShardID, event.Value)
	default:
		detail = fmt.Sprintf("%s %s", event.Kind, event.CounterID)
	}

	return dimStyle.Render(event.At.Local().Format("15:04:05")) + " " + style.Render(detail)
}
