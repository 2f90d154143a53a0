// Package progress renders workflow events as console output during a
// migration run.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/randalmurphal/tmig/internal/events"
)

// Styles groups the lipgloss styles the display uses. On a non-TTY
// writer every style renders as plain text.
type Styles struct {
	Phase     lipgloss.Style
	Completed lipgloss.Style
	Failed    lipgloss.Style
	Partial   lipgloss.Style
	Warning   lipgloss.Style
	Dim       lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Phase:     lipgloss.NewStyle().Bold(true),
		Completed: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Partial:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Warning:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func plainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Phase: s, Completed: s, Failed: s, Partial: s, Warning: s, Dim: s}
}

// Display writes one line per workflow event. It is safe for use from
// the event fan-out goroutine while the run happens elsewhere.
type Display struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles
	styled bool
	width  int
	quiet  bool

	phaseStart map[string]time.Time
}

// Option configures a Display.
type Option func(*Display)

// WithQuiet suppresses everything except failures and warnings.
func WithQuiet(quiet bool) Option {
	return func(d *Display) { d.quiet = quiet }
}

// WithWidth fixes the output width instead of probing the terminal.
func WithWidth(width int) Option {
	return func(d *Display) { d.width = width }
}

// New builds a Display writing to w. Styling and width probing engage
// only when w is a terminal.
func New(w io.Writer, opts ...Option) *Display {
	d := &Display{
		w:          w,
		styles:     plainStyles(),
		phaseStart: make(map[string]time.Time),
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		d.styles = defaultStyles()
		d.styled = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			d.width = width
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Watch consumes events from ch until it closes. Run it in its own
// goroutine against a publisher subscription.
func (d *Display) Watch(ch <-chan events.Event) {
	for ev := range ch {
		d.Handle(ev)
	}
}

// Handle renders one event.
func (d *Display) Handle(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, important := d.format(ev)
	if line == "" {
		return
	}
	if d.quiet && !important {
		return
	}
	fmt.Fprintln(d.w, d.clip(line))
}

func (d *Display) format(ev events.Event) (line string, important bool) {
	phase := d.styles.Phase.Render(ev.Phase)
	switch ev.Status {
	case events.StatusStarted:
		d.phaseStart[ev.Phase] = ev.Time
		return fmt.Sprintf("%s %s", phase, d.styles.Dim.Render("started")), false
	case events.StatusInProgress:
		if ev.BatchNumber != nil {
			return d.batchLine(ev), false
		}
		if ev.EntityType != "" {
			return fmt.Sprintf("  %s %s: %s", phase, ev.EntityType, ev.Message), false
		}
		return fmt.Sprintf("%s %s", phase, ev.Message), false
	case events.StatusCompleted:
		return fmt.Sprintf("%s %s%s", phase,
			d.styles.Completed.Render("completed"), d.elapsed(ev)), false
	case events.StatusPartial:
		return fmt.Sprintf("%s %s%s %s", phase,
			d.styles.Partial.Render("partial"), d.elapsed(ev),
			d.styles.Dim.Render(ev.Message)), true
	case events.StatusFailed:
		return fmt.Sprintf("%s %s%s %s", phase,
			d.styles.Failed.Render("failed"), d.elapsed(ev), ev.Message), true
	case events.StatusSkipped:
		return fmt.Sprintf("%s %s", phase, d.styles.Dim.Render("already completed, skipped")), false
	case events.StatusRolledBack:
		return fmt.Sprintf("%s %s %s", phase,
			d.styles.Partial.Render("rolled back"), d.styles.Dim.Render(ev.Message)), true
	case events.StatusWarning:
		return fmt.Sprintf("%s %s %s", phase,
			d.styles.Warning.Render("warning:"), ev.Message), true
	default:
		if ev.Message == "" {
			return "", false
		}
		return fmt.Sprintf("%s %s", phase, ev.Message), false
	}
}

func (d *Display) batchLine(ev events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s %s", d.styles.Phase.Render(ev.Phase), ev.EntityType)
	if ev.TotalBatches != nil {
		fmt.Fprintf(&b, " batch %d/%d", *ev.BatchNumber+1, *ev.TotalBatches)
	} else {
		fmt.Fprintf(&b, " batch %d", *ev.BatchNumber+1)
	}
	if ev.EntityCount > 0 {
		fmt.Fprintf(&b, " (%d items)", ev.EntityCount)
	}
	if ev.Message != "" {
		b.WriteString(" " + d.styles.Dim.Render(ev.Message))
	}
	return b.String()
}

// elapsed renders the time since the phase started, taken from the
// event stream itself so replayed events show historical durations.
func (d *Display) elapsed(ev events.Event) string {
	start, ok := d.phaseStart[ev.Phase]
	if !ok {
		return ""
	}
	delete(d.phaseStart, ev.Phase)
	dur := ev.Time.Sub(start).Round(100 * time.Millisecond)
	if dur <= 0 {
		return ""
	}
	return d.styles.Dim.Render(fmt.Sprintf(" in %s", dur))
}

// clip truncates a line to the terminal width. Styled lines pass
// through untouched; escape sequences would make byte length lie about
// display width.
func (d *Display) clip(line string) string {
	if d.width <= 0 || d.styled || len(line) <= d.width {
		return line
	}
	if d.width <= 1 {
		return line[:d.width]
	}
	return line[:d.width-1] + "…"
}
