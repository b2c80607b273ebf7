package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/davarch/redeploy/internal/domain"
	"github.com/mattn/go-isatty"
)

type palette struct {
	ok, warn, fail, dim, bold lipgloss.Style
}

func newPalette(color bool) palette {
	if !color {
		s := lipgloss.NewStyle()
		return palette{ok: s, warn: s, fail: s, dim: s, bold: s}
	}
	return palette{
		ok:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		fail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dim:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		bold: lipgloss.NewStyle().Bold(true),
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// renderSummary writes a human readable report of a finished run, ending
// with the reason it did not succeed.
func renderSummary(w io.Writer, run *domain.PipelineRun, color bool) {
	p := newPalette(color)

	_, _ = fmt.Fprintf(w, "%s %s  target %s  revision %s\n",
		p.bold.Render("run"), run.ID, run.Target, orDash(run.Revision))
	if run.DryRun {
		_, _ = fmt.Fprintln(w, p.dim.Render("dry run: nothing was changed on the target"))
	}
	_, _ = fmt.Fprintf(w, "state: %s (exit %d)\n\n", stateStyle(p, run.State).Render(string(run.State)), domain.ExitCode(run))

	for _, ph := range run.Phases {
		mark, st := phaseMark(p, ph.Status)
		line := fmt.Sprintf("  %s %-12s %-8s", mark, ph.Name, st.Render(string(ph.Status)))
		if ph.Duration > 0 {
			line += " " + p.dim.Render(ph.Duration.Round(time.Millisecond).String())
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(line, " "))
		if ph.Status == domain.PhaseWarn || ph.Status == domain.PhaseFail {
			if ph.Error != "" {
				_, _ = fmt.Fprintf(w, "      %s\n", ph.Error)
			}
			for _, l := range excerptLines(ph.OutputExcerpt, 8) {
				_, _ = fmt.Fprintf(w, "      %s\n", p.dim.Render(l))
			}
		}
	}

	if run.Health != nil {
		_, _ = fmt.Fprintln(w)
		renderHealth(w, p, "health", *run.Health)
	}

	if rb := run.Rollback; rb != nil {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "rollback: %s", rollbackStyle(p, rb.Status).Render(string(rb.Status)))
		if rb.CheckpointID != "" {
			_, _ = fmt.Fprintf(w, " to %s (revision %s)", rb.CheckpointID, orDash(rb.Revision))
		}
		_, _ = fmt.Fprintln(w)
		if rb.Error != "" {
			_, _ = fmt.Fprintf(w, "  %s\n", rb.Error)
		}
		if rb.Health != nil {
			renderHealth(w, p, "  re-verify", *rb.Health)
		}
	}

	if why := explain(run); why != "" {
		_, _ = fmt.Fprintf(w, "\n%s %s\n", p.bold.Render("why:"), why)
	}
}

func renderHealth(w io.Writer, p palette, label string, h domain.HealthReport) {
	st := p.ok
	if h.Verdict != domain.VerdictPass {
		st = p.fail
	}
	_, _ = fmt.Fprintf(w, "%s: score %.2f / %.2f %s (%d attempts)\n",
		label, h.WeightedScore, h.Threshold, st.Render(string(h.Verdict)), h.Attempts)
	for _, pr := range h.Probes {
		mark := p.ok.Render("✓")
		if !pr.Passed {
			mark = p.fail.Render("✗")
		}
		extra := fmt.Sprintf("w%g", pr.Weight)
		if pr.Critical {
			extra += ", critical"
		}
		line := fmt.Sprintf("  %s %s (%s)", mark, pr.Name, extra)
		if pr.Reason != "" {
			line += " " + p.dim.Render(pr.Reason)
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// explain names the failed phase and the failing probes of a run.
func explain(run *domain.PipelineRun) string {
	if run.State == domain.StateSucceeded {
		return ""
	}

	var parts []string
	switch {
	case run.FailedPhase != "":
		msg := fmt.Sprintf("phase %s failed", run.FailedPhase)
		if ph := run.Phase(run.FailedPhase); ph != nil && ph.Error != "" {
			msg += ": " + ph.Error
		}
		parts = append(parts, msg)
	case run.Error != "":
		parts = append(parts, run.Error)
	}

	if run.Health != nil {
		var names []string
		for _, pr := range run.Health.Failed() {
			n := pr.Name
			if pr.Critical {
				n += " (critical)"
			}
			names = append(names, n)
		}
		if len(names) > 0 {
			parts = append(parts, "failing probes: "+strings.Join(names, ", "))
		}
	}

	if rb := run.Rollback; rb != nil && rb.Status != domain.RollbackOK {
		msg := "rollback " + string(rb.Status)
		if rb.Error != "" {
			msg += ": " + rb.Error
		}
		parts = append(parts, msg)
	}

	return strings.Join(parts, "; ")
}

func phaseMark(p palette, s domain.PhaseStatus) (string, lipgloss.Style) {
	switch s {
	case domain.PhaseOk:
		return p.ok.Render("✓"), p.ok
	case domain.PhaseWarn:
		return p.warn.Render("!"), p.warn
	case domain.PhaseFail:
		return p.fail.Render("✗"), p.fail
	default:
		return p.dim.Render("-"), p.dim
	}
}

func stateStyle(p palette, s domain.TerminalState) lipgloss.Style {
	switch s {
	case domain.StateSucceeded:
		return p.ok
	case domain.StateRolledBack:
		return p.warn
	default:
		return p.fail
	}
}

func rollbackStyle(p palette, s domain.RollbackStatus) lipgloss.Style {
	if s == domain.RollbackOK {
		return p.ok
	}
	return p.fail
}

func excerptLines(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
