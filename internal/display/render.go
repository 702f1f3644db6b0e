// Package display renders the current view as a terminal scoreboard.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

const (
	barWidth          = 40
	noFlaggedMessage  = "No flagged transactions."
	waitingMessage    = "Waiting for the first sample..."
	loadingMessage    = "Loading fraud data..."
	timestampLayout   = "2006-01-02 15:04:05 MST"
	flaggedRowPattern = "%-10s %12s  %s %-6s"
	statusWidth       = 11
)

// Renderer turns a view into text. It holds no state between calls.
type Renderer struct {
	theme Theme
}

// NewRenderer returns a renderer using DefaultTheme.
func NewRenderer() *Renderer {
	return NewRendererWithTheme(DefaultTheme)
}

// NewRendererWithTheme returns a renderer drawing with theme.
func NewRendererWithTheme(theme Theme) *Renderer {
	return &Renderer{theme: theme}
}

// Render draws every part of the scoreboard for view. Each state has its own
// layout; errored views show the message above the zeroed panels.
func (r *Renderer) Render(view models.View) string {
	title := r.theme.Title.Render("Fraud Monitor")

	switch view.State {
	case models.StateUninitialized:
		return lipgloss.JoinVertical(lipgloss.Left, title, r.theme.Muted.Render(waitingMessage))
	case models.StateLoading:
		return lipgloss.JoinVertical(lipgloss.Left, title, r.theme.Muted.Render(loadingMessage))
	case models.StateErrored:
		return lipgloss.JoinVertical(lipgloss.Left,
			title,
			r.theme.Error.Render(view.Message),
			r.panels(view.Snapshot),
		)
	case models.StateReady:
		status := r.theme.Subtitle.Render(fmt.Sprintf("cycle %d, updated %s", view.Cycle, view.UpdatedAt.Format(timestampLayout)))
		return lipgloss.JoinVertical(lipgloss.Left, title, status, r.panels(view.Snapshot))
	default:
		return lipgloss.JoinVertical(lipgloss.Left, title, r.theme.Error.Render(fmt.Sprintf("unknown state %d", int(view.State))))
	}
}

func (r *Renderer) panels(snap models.Snapshot) string {
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		r.theme.Panel.Render(r.RenderSplit(snap.Split)),
		r.theme.Panel.Render(r.RenderMatrix(snap.Matrix)),
	)
	return lipgloss.JoinVertical(lipgloss.Left, top, r.theme.Panel.Render(r.RenderFlagged(snap.Flagged)))
}

// RenderSplit draws the fraud/legitimate split as a proportional bar.
func (r *Renderer) RenderSplit(split models.ClassificationSplit) string {
	heading := r.theme.Header.Render("Fraudulent vs Legitimate")
	total := split.Total()
	if total == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, heading,
			r.theme.Muted.Render(strings.Repeat("·", barWidth)),
			r.theme.Normal.Render("Fraudulent 0 (0%)  Legitimate 0 (0%)"),
		)
	}

	fraudWidth := split.FraudulentCount * barWidth / total
	bar := r.theme.Fraudulent.Render(strings.Repeat("█", fraudWidth)) +
		r.theme.Legitimate.Render(strings.Repeat("█", barWidth-fraudWidth))
	legend := fmt.Sprintf("%s %d (%.0f%%)  %s %d (%.0f%%)",
		r.theme.Fraudulent.Render("Fraudulent"), split.FraudulentCount, percent(split.FraudulentCount, total),
		r.theme.Legitimate.Render("Legitimate"), split.LegitimateCount, percent(split.LegitimateCount, total),
	)
	return lipgloss.JoinVertical(lipgloss.Left, heading, bar, legend)
}

// RenderFlagged draws the flagged transaction table.
func (r *Renderer) RenderFlagged(flagged models.Batch) string {
	heading := r.theme.Header.Render(fmt.Sprintf("Flagged Transactions (%d)", len(flagged)))
	if len(flagged) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, heading, r.theme.Muted.Render(noFlaggedMessage))
	}

	rows := make([]string, 0, len(flagged)+1)
	rows = append(rows, r.theme.Header.Render(fmt.Sprintf(flaggedRowPattern, "ID", "Amount", fmt.Sprintf("%-*s", statusWidth, "Status"), "Action")))
	// Width pads by visible cells; fmt padding would count the colour escapes.
	status := r.theme.Fraudulent.Width(statusWidth)
	for _, txn := range flagged {
		rows = append(rows, fmt.Sprintf(flaggedRowPattern,
			txn.ID,
			fmt.Sprintf("$%.2f", txn.Amount),
			status.Render(string(txn.Status)),
			string(txn.Action),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, heading, strings.Join(rows, "\n"))
}

// RenderMatrix draws the confusion matrix as a 2x2 grid with derived rates.
func (r *Renderer) RenderMatrix(m models.ConfusionMatrix) string {
	heading := r.theme.Header.Render("Confusion Matrix")
	cell := func(label string, n int) string {
		return r.theme.Cell.Width(8).Render(fmt.Sprintf("%s\n%d", label, n))
	}
	grid := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, cell("TP", m.TP), cell("FP", m.FP)),
		lipgloss.JoinHorizontal(lipgloss.Top, cell("FN", m.FN), cell("TN", m.TN)),
	)
	rates := r.theme.Normal.Render(fmt.Sprintf("precision %.2f  recall %.2f  accuracy %.2f", m.Precision(), m.Recall(), m.Accuracy()))
	return lipgloss.JoinVertical(lipgloss.Left, heading, grid, rates)
}

func percent(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// Printer writes a fresh scoreboard for every view it is notified of.
type Printer struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *Renderer
	clear    bool
}

// NewPrinter writes to out; when clear is set the screen is cleared first.
func NewPrinter(out io.Writer, clear bool) *Printer {
	return &Printer{out: out, renderer: NewRenderer(), clear: clear}
}

// Notify has the store.Listener signature.
func (p *Printer) Notify(view models.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clear {
		_, _ = io.WriteString(p.out, "\x1b[H\x1b[2J")
	}
	_, _ = io.WriteString(p.out, p.renderer.Render(view)+"\n")
}
