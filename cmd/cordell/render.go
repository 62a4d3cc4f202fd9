package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// printer writes command output as styled text on a terminal, plain text
// when piped, or JSON with --json.
type printer struct {
	w      io.Writer
	json   bool
	styled bool

	title lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newPrinter(cmd *cobra.Command, opts *rootOptions) *printer {
	w := cmd.OutOrStdout()
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:      w,
		json:   opts.json,
		styled: styled,
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("240")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.style(p.title, fmt.Sprintf(format, args...)))
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Detail prints an indented, dimmed line under the previous one.
func (p *printer) Detail(format string, args ...any) {
	fmt.Fprintln(p.w, "  "+p.style(p.dim, fmt.Sprintf(format, args...)))
}

// Status colors a run or session state word.
func (p *printer) Status(s string) string {
	switch {
	case s == "ran" || s == "idle" || s == "connected":
		return p.style(p.ok, s)
	case strings.HasPrefix(s, "skipped") || s == "busy" || s == "unread":
		return p.style(p.warn, s)
	case s == "timed-out" || s == "error" || s == "failed":
		return p.style(p.bad, s)
	default:
		return s
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
