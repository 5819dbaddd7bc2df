package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"

	"go-gallery-download/internal/helpers"
	"go-gallery-download/internal/models"
	"go-gallery-download/internal/pass"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // light grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
)

// progressObserver renders one live status line per pass with uilive and
// forwards pass log lines to logrus.
type progressObserver struct {
	writer *uilive.Writer

	mu       sync.Mutex
	progress models.Progress
	state    pass.State
	current  string
	written  uint64
}

func newProgressObserver(out io.Writer) *progressObserver {
	w := uilive.New()
	w.Out = out
	return &progressObserver{writer: w, state: pass.StateIdle}
}

func (o *progressObserver) Start() { o.writer.Start() }

func (o *progressObserver) Stop() {
	o.render()
	o.writer.Stop()
}

func (o *progressObserver) OnProgress(passID string, p models.Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
	o.render()
}

func (o *progressObserver) OnBytes(passID string, asset models.AssetDescriptor, written, total uint64) {
	o.mu.Lock()
	o.current = asset.SuggestedName
	o.written = written
	o.mu.Unlock()
	o.render()
}

func (o *progressObserver) OnLog(passID string, msg string) {
	log.WithField("pass", shortID(passID)).Info(msg)
}

func (o *progressObserver) OnState(passID string, from, to pass.State) {
	log.WithField("pass", shortID(passID)).Debugf("State %s -> %s", from, to)
	o.mu.Lock()
	o.state = to
	o.mu.Unlock()
	o.render()
}

func (o *progressObserver) render() {
	o.mu.Lock()
	line := fmt.Sprintf("[%s] %d/%d", o.state, o.progress.Current, o.progress.Total)
	if o.current != "" && o.state == pass.StateFetching {
		line += fmt.Sprintf("  %s (%s)", o.current, helpers.BytesToSize(o.written))
	}
	o.mu.Unlock()
	fmt.Fprintln(o.writer, line)
}

func shortID(passID string) string {
	if len(passID) > 8 {
		return passID[:8]
	}
	return passID
}

// renderSummary formats a finished pass for the terminal.
func renderSummary(res pass.Result) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Pass %s", shortID(res.PassID))))
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString(detailStyle.Render(fmt.Sprintf("  %-12s", label)))
		b.WriteString(value)
		b.WriteString("\n")
	}
	row("Source", fmt.Sprintf("%s (%s)", res.Source.Identifier(), res.Source.Kind))
	if res.Directory != "" {
		row("Directory", res.Directory)
	}
	if res.Title != "" {
		row("Title", res.Title)
	}

	outcome := string(res.Outcome)
	switch res.Outcome {
	case pass.OutcomeCompleted, pass.OutcomeUpToDate:
		outcome = successStyle.Render(outcome)
	case pass.OutcomePartial, pass.OutcomeFiltered:
		outcome = warningStyle.Render(outcome)
	default:
		outcome = errorStyle.Render(outcome)
	}
	row("Outcome", outcome)
	row("Files", infoStyle.Render(fmt.Sprintf("%d downloaded, %d skipped, %d failed of %d",
		len(res.Fetch.Succeeded), res.Fetch.Skipped, len(res.Fetch.Failed), res.Total)))
	if res.Fetch.BytesWritten > 0 {
		row("Written", helpers.BytesToSize(res.Fetch.BytesWritten))
	}
	for _, f := range res.Fetch.Failed {
		row("Failed", errorStyle.Render(fmt.Sprintf("%s: %v", f.Asset.RemoteURL, f.Reason)))
	}
	if res.Err != nil {
		row("Error", errorStyle.Render(res.Err.Error()))
	}
	if !res.FinishedAt.IsZero() {
		row("Duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String())
	}
	return b.String()
}
