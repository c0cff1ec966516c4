// Package render is the plain terminal view: a progress bar while cards are
// dealt, one aligned line per revealed card, and the interpretation
// written through as it streams.
package render

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
)

const dealTemplate = `{{ "Dealing" }} {{ bar . "[" "=" ">" " " "]" }} {{ counters . }}`

// Renderer implements app.Animator and sequencer.Observer over a writer.
type Renderer struct {
	mu    sync.Mutex
	w     io.Writer
	p     *message.Printer
	step  time.Duration
	bars  bool
	epoch uint64
	wrote bool
}

type Option func(*Renderer)

// WithStep sets the pause between two cards.
func WithStep(d time.Duration) Option { return func(r *Renderer) { r.step = d } }

// WithProgress turns the deal progress bar on or off.
func WithProgress(on bool) Option { return func(r *Renderer) { r.bars = on } }

func WithLanguage(tag language.Tag) Option {
	return func(r *Renderer) { r.p = message.NewPrinter(tag) }
}

func New(w io.Writer, opts ...Option) *Renderer {
	r := &Renderer{w: w, p: message.NewPrinter(language.English), step: 250 * time.Millisecond, bars: true}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) Deal(ctx context.Context, _ uint64, spread domain.Spread, dealt func(int)) error {
	bar := pb.New(len(spread.Positions)).SetTemplateString(dealTemplate)
	if r.bars {
		bar.SetWriter(r.w)
	} else {
		bar.SetWriter(io.Discard)
	}
	bar.Start()
	defer bar.Finish()

	for i := range spread.Positions {
		if err := r.pause(ctx); err != nil {
			return err
		}
		dealt(i)
		bar.Increment()
	}
	return nil
}

func (r *Renderer) Reveal(ctx context.Context, _ uint64, spread domain.Spread, revealed func(int)) error {
	width := 0
	for _, p := range spread.Positions {
		width = max(width, runewidth.StringWidth(p.Name))
	}
	for i, p := range spread.Positions {
		if err := r.pause(ctx); err != nil {
			return err
		}
		r.mu.Lock()
		r.p.Fprintf(r.w, "  %s  %s%s\n", runewidth.FillRight(p.Name, width), p.Card.Name, orientationMark(p.Card.Orientation))
		r.mu.Unlock()
		revealed(i)
	}
	return nil
}

func (r *Renderer) pause(ctx context.Context) error {
	if r.step <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.step)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Renderer) OnPhase(t sequencer.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.To == sequencer.Idle {
		r.epoch, r.wrote = t.Epoch, false
		return
	}
	if t.Epoch != r.epoch {
		return
	}
	switch t.To {
	case sequencer.Fetching:
		r.p.Fprintf(r.w, "Shuffling the deck...\n")
	case sequencer.Interpreting:
		r.p.Fprintf(r.w, "\n%s\n%s\n\n", "Interpretation", strings.Repeat("-", runewidth.StringWidth("Interpretation")))
	case sequencer.Complete:
		r.p.Fprintf(r.w, "\n")
	case sequencer.Error:
		if r.wrote {
			// The text so far stays on screen; the notice follows it.
			r.p.Fprintf(r.w, "\n\n[interpretation interrupted: %v]\n", t.Err)
			return
		}
		r.p.Fprintf(r.w, "Error: %v\n", t.Err)
	}
}

func (r *Renderer) OnCard(sequencer.CardEvent) {}

func (r *Renderer) OnText(epoch uint64, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return
	}
	r.wrote = true
	io.WriteString(r.w, chunk)
}

func orientationMark(o domain.Orientation) string {
	if o == domain.Reversed {
		return " (reversed)"
	}
	return ""
}

// Table renders a spread as a bordered table.
func Table(spread domain.Spread) string {
	header := []string{"#", "Position", "Card", "Orientation"}
	rows := make([][]string, len(spread.Positions))
	for i, p := range spread.Positions {
		rows[i] = []string{strconv.Itoa(i + 1), p.Name, p.Card.Name, string(p.Card.Orientation)}
	}
	return table(spread.Kind.Title(), header, rows)
}

func table(title string, header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	inner := len(widths)*3 - 1
	for _, w := range widths {
		inner += w
	}
	if tw := runewidth.StringWidth(title) + 2; tw > inner {
		widths[len(widths)-1] += tw - inner
		inner = tw
	}

	var b strings.Builder
	top := "+" + strings.Repeat("-", inner) + "+\n"
	divider := "+"
	for _, w := range widths {
		divider += strings.Repeat("-", w+2) + "+"
	}
	divider += "\n"

	left := (inner - runewidth.StringWidth(title)) / 2
	b.WriteString(top)
	b.WriteString("|" + strings.Repeat(" ", left) + runewidth.FillRight(title, inner-left) + "|\n")
	b.WriteString(divider)
	writeRow(&b, header, widths)
	b.WriteString(divider)
	for _, row := range rows {
		writeRow(&b, row, widths)
	}
	b.WriteString(divider)
	return b.String()
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	b.WriteString("|")
	for i, c := range cells {
		b.WriteString(" " + runewidth.FillRight(c, widths[i]) + " |")
	}
	b.WriteString("\n")
}

// QuotaLine describes a quota decision in one sentence.
func QuotaLine(p *message.Printer, d domain.QuotaDecision, now time.Time) string {
	var line string
	switch {
	case d.Mode == domain.QuotaAuthenticated && d.Allowed:
		line = p.Sprintf("%d draws left today", d.Remaining)
		if !d.ResetAt.IsZero() {
			line += p.Sprintf(", resets %s", humanize.RelTime(d.ResetAt, now, "ago", "from now"))
		}
	case d.Mode == domain.QuotaAuthenticated:
		line = p.Sprintf("No draws left today; next in %s", d.CooldownText())
	case d.Allowed:
		line = "Your free draw is available"
	default:
		line = p.Sprintf("Next free draw in %s", d.CooldownText())
	}
	if d.FailedOpen {
		line += " (quota check unavailable)"
	}
	return line
}

// History lists backend draws, newest first as given.
func History(entries []domain.HistoryEntry, now time.Time) string {
	if len(entries) == 0 {
		return "No draws yet.\n"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.ID + "  " + e.Kind.Title() + "  " + humanize.RelTime(e.CreatedAt, now, "ago", "from now") + "\n")
		for _, c := range e.Cards {
			b.WriteString("    " + c + "\n")
		}
		if e.Response != "" {
			b.WriteString("    " + runewidth.Truncate(firstLine(e.Response), 72, "...") + "\n")
		}
	}
	return b.String()
}

// Readings lists locally saved readings.
func Readings(readings []domain.Reading, now time.Time) string {
	entries := make([]domain.HistoryEntry, len(readings))
	for i, r := range readings {
		cards := make([]string, len(r.Spread.Positions))
		for j, p := range r.Spread.Positions {
			cards[j] = p.Name + ": " + p.Card.Name + " (" + string(p.Card.Orientation) + ")"
		}
		entries[i] = domain.HistoryEntry{ID: r.DrawID, Kind: r.Kind, CreatedAt: r.CreatedAt, Cards: cards, Response: r.Interpretation}
	}
	return History(entries, now)
}

func firstLine(s string) string {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "#"))
	line, _, _ := strings.Cut(s, "\n")
	return line
}
