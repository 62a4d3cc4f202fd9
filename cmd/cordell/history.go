package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/history"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		from       int64
		limit      int
		transcript bool
	)
	cmd := &cobra.Command{
		Use:   "history SESSION",
		Short: "Print a session's logged records",
		Long: "Without --from the most recent records are printed. With --from the log is\n" +
			"read forward from that byte offset and the offset to continue at is reported.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reader := history.NewReader(cfg.SessionsDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
			p := newPrinter(cmd, opts)
			name := args[0]

			if transcript {
				t, err := reader.Transcript(name)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(t)
				}
				printTranscript(p, t)
				return nil
			}

			var (
				records []history.Record
				next    int64
			)
			if cmd.Flags().Changed("from") {
				next = from
				for entry, err := range reader.Records(name, from) {
					if err != nil {
						return err
					}
					if limit > 0 && len(records) >= limit {
						break
					}
					records = append(records, entry.Record)
					next = entry.Next
				}
			} else {
				records, err = reader.Tail(name, limit)
				if err != nil {
					return err
				}
			}
			if p.json {
				if records == nil {
					records = []history.Record{}
				}
				out := map[string]any{"records": records}
				if cmd.Flags().Changed("from") {
					out["next"] = next
				}
				return p.JSON(out)
			}
			for _, rec := range records {
				printRecord(p, rec)
			}
			if cmd.Flags().Changed("from") {
				p.Detail("next offset %d", next)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "byte offset to read forward from")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records (0 for all)")
	cmd.Flags().BoolVar(&transcript, "transcript", false, "print the reconstructed conversation with tool calls paired")
	return cmd
}

func printRecord(p *printer, rec history.Record) {
	label := string(rec.Kind)
	switch rec.Kind {
	case history.KindToolUse:
		label += " " + rec.Tool
		p.Line("%s %s", p.style(p.dim, formatTime(rec.Timestamp)), p.style(p.title, label))
		if len(rec.Input) > 0 {
			p.Detail("%s", truncate(string(rec.Input), 100))
		}
		return
	case history.KindToolResult:
		if rec.IsError {
			label += " " + p.Status("error")
		}
	}
	p.Line("%s %s", p.style(p.dim, formatTime(rec.Timestamp)), p.style(p.title, label))
	for _, line := range strings.Split(strings.TrimRight(rec.Content, "\n"), "\n") {
		p.Line("  %s", line)
	}
}

func printTranscript(p *printer, t history.Transcript) {
	for _, turn := range t.Turns {
		if turn.Tool == nil {
			p.Line("%s %s", p.style(p.dim, formatTime(turn.Timestamp)), p.style(p.title, string(turn.Kind)))
			p.Line("  %s", strings.TrimRight(turn.Content, "\n"))
			continue
		}
		call := turn.Tool
		state := "done"
		switch {
		case call.Pending:
			state = p.style(p.warn, "pending")
		case call.IsError:
			state = p.Status("error")
		}
		p.Line("%s %s %s", p.style(p.dim, formatTime(call.InvokedAt)), p.style(p.title, "tool "+call.Name), state)
		if len(call.Input) > 0 {
			p.Detail("in:  %s", truncate(string(call.Input), 100))
		}
		if !call.Pending {
			p.Detail("out: %s", truncate(call.Output, 100))
		}
	}
	if n := len(t.Pending()); n > 0 {
		p.Detail("%d tool call(s) awaiting results", n)
	}
}
