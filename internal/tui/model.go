// Package tui is the interactive terminal view of a reading.
package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/app"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
)

var (
	clrSubtle = lipgloss.Color("#8b949e")
	clrGold   = lipgloss.Color("#e3b341")
	clrRed    = lipgloss.Color("#f85149")
	clrTitle  = lipgloss.Color("#b392f0")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrTitle)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)
	cardStyle   = lipgloss.NewStyle().Bold(true).Foreground(clrGold)
	errStyle    = lipgloss.NewStyle().Foreground(clrRed)
	mapStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(clrSubtle)
)

var kindKeys = map[string]domain.SpreadKind{
	"1": domain.SpreadThreeCard,
	"2": domain.SpreadCeltic,
	"3": domain.SpreadElementalInsight,
}

type model struct {
	draw     func(domain.SpreadKind) tea.Cmd
	snapshot func() sequencer.Snapshot
	quota    string
	refresh  func() string
	width    int

	kind     domain.SpreadKind
	epoch    uint64
	phase    sequencer.Phase
	spread   domain.Spread
	dealt    []bool
	revealed []bool
	text     string
	rendered string
	err      error
}

func newModel(draw func(domain.SpreadKind) tea.Cmd, snapshot func() sequencer.Snapshot, kind domain.SpreadKind, quota string) model {
	return model{draw: draw, snapshot: snapshot, kind: kind, quota: quota, width: 80}
}

func (m model) Init() tea.Cmd {
	if m.kind.Valid() {
		return m.draw(m.kind)
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			if m.kind.Valid() {
				return m, m.draw(m.kind)
			}
		default:
			if kind, ok := kindKeys[key]; ok {
				m.kind = kind
				return m, m.draw(kind)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if m.phase.Terminal() {
			m.rendered = m.markdown()
		}

	case phaseMsg:
		m = m.onPhase(sequencer.Transition(msg))

	case cardMsg:
		if msg.Epoch != m.epoch || msg.Index < 0 || msg.Index >= len(m.dealt) {
			break
		}
		if msg.Step == sequencer.CardDealt {
			m.dealt[msg.Index] = true
		} else {
			m.revealed[msg.Index] = true
		}

	case textMsg:
		if msg.epoch == m.epoch {
			m.text += msg.chunk
		}

	case doneMsg:
		// Joined and replaced runs report through the live reading instead.
		if msg.err != nil && !errors.Is(msg.err, domain.ErrSuperseded) && !errors.Is(msg.err, app.ErrInFlight) && m.err == nil {
			m.err = msg.err
		}
		// The draw is booked by the time its run returns.
		return m, m.refreshQuota()

	case quotaMsg:
		m.quota = string(msg)
	}
	return m, nil
}

func (m model) refreshQuota() tea.Cmd {
	if m.refresh == nil {
		return nil
	}
	refresh := m.refresh
	return func() tea.Msg { return quotaMsg(refresh()) }
}

func (m model) onPhase(t sequencer.Transition) model {
	if t.To == sequencer.Idle {
		if t.Epoch > m.epoch {
			m.epoch, m.phase = t.Epoch, sequencer.Idle
			m.spread, m.dealt, m.revealed = domain.Spread{}, nil, nil
			m.text, m.rendered, m.err = "", "", nil
		}
		return m
	}
	if t.Epoch != m.epoch {
		return m
	}
	m.phase = t.To
	switch t.To {
	case sequencer.Dealing:
		if snap := m.snapshot(); snap.Epoch == m.epoch {
			m.spread = snap.Spread
			m.kind = snap.Spread.Kind
			m.dealt = make([]bool, len(snap.Spread.Positions))
			m.revealed = make([]bool, len(snap.Spread.Positions))
		}
	case sequencer.Complete:
		m.rendered = m.markdown()
	case sequencer.Error:
		m.err = t.Err
		m.rendered = m.markdown()
	}
	return m
}

func (m model) markdown() string {
	if m.text == "" {
		return ""
	}
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(max(20, m.width-4)))
	if err != nil {
		return m.text
	}
	out, err := r.Render(m.text)
	if err != nil {
		return m.text
	}
	return out
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tarotmancer"))
	if m.kind.Valid() {
		b.WriteString("  " + subtleStyle.Render(m.kind.Title()))
	}
	b.WriteString("\n")
	b.WriteString(subtleStyle.Render("[1] Three-Card  [2] Celtic Cross  [3] Elemental Insight  [r] redraw  [q] quit"))
	b.WriteString("\n")
	if m.quota != "" {
		b.WriteString(subtleStyle.Render(m.quota) + "\n")
	}
	b.WriteString("\n")

	if m.epoch > 0 {
		b.WriteString(phaseLine(m.phase) + "\n")
	}
	if len(m.spread.Positions) > 0 {
		b.WriteString(mapStyle.Render(m.canvas()) + "\n")
		b.WriteString(m.cardList())
	}

	switch {
	case m.rendered != "":
		b.WriteString("\n" + m.rendered)
	case m.text != "":
		b.WriteString("\n" + m.text + "\n")
	}
	if m.err != nil {
		notice := "Error: " + m.err.Error()
		if m.text != "" {
			notice = "[interpretation interrupted: " + m.err.Error() + "]"
		}
		b.WriteString("\n" + errStyle.Render(notice) + "\n")
	}
	return b.String()
}

func phaseLine(p sequencer.Phase) string {
	switch p {
	case sequencer.Idle, sequencer.Fetching:
		return "Shuffling the deck..."
	case sequencer.Dealing:
		return "Dealing the cards..."
	case sequencer.Revealing:
		return "Turning the cards over..."
	case sequencer.Interpreting:
		return "Reading the spread..."
	case sequencer.Complete:
		return "The reading is complete."
	default:
		return "The reading was interrupted."
	}
}

// canvas places one badge per dealt card at its layout coordinates. A
// crossing card is drawn one row below the card it crosses.
func (m model) canvas() string {
	grid := make([][]rune, mapHeight)
	for y := range grid {
		grid[y] = []rune(strings.Repeat(" ", mapWidth))
	}
	for i, p := range m.spread.Positions {
		if i >= len(m.dealt) || !m.dealt[i] {
			continue
		}
		badge := "[?]"
		if m.revealed[i] {
			badge = fmt.Sprintf("[%d]", i+1)
		}
		x := int(math.Round(p.Coordinates.X)) - len(badge)/2
		y := int(math.Round(p.Coordinates.Y))
		if p.RotationHint != 0 {
			y++
		}
		y = min(max(y, 0), mapHeight-1)
		for j, r := range badge {
			if cx := x + j; cx >= 0 && cx < mapWidth {
				grid[y][cx] = r
			}
		}
	}
	lines := make([]string, mapHeight)
	for y, row := range grid {
		lines[y] = strings.TrimRight(string(row), " ")
	}
	return strings.Join(lines, "\n")
}

func (m model) cardList() string {
	var b strings.Builder
	for i, p := range m.spread.Positions {
		if i >= len(m.revealed) || !m.revealed[i] {
			continue
		}
		card := p.Card.Name
		if p.Card.Orientation == domain.Reversed {
			card += " (reversed)"
		}
		fmt.Fprintf(&b, "%2d. %s: %s\n", i+1, p.Name, cardStyle.Render(card))
	}
	return b.String()
}

// Run shows the reading screen until the user quits. A valid kind starts
// a draw right away. quota renders the allowance line; it is called again
// after every finished draw.
func Run(ctx context.Context, pipeline *app.Pipeline, bridge *Bridge, id domain.Identity, kind domain.SpreadKind, quota func() string) error {
	draw := func(k domain.SpreadKind) tea.Cmd {
		return func() tea.Msg {
			r, err := pipeline.Run(ctx, k, id)
			return doneMsg{reading: r, err: err}
		}
	}
	m := newModel(draw, pipeline.Sequencer().Snapshot, kind, quota())
	m.refresh = quota
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	bridge.Attach(prog.Send)
	defer bridge.Attach(nil)
	defer pipeline.Stop()

	_, err := prog.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
