package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/gateway"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := newDaemonClient(cfg, 3*time.Second)
			if err != nil {
				return err
			}
			var st gateway.Status
			if err := c.do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(st)
			}
			p.Title("cordell %s", st.Version)
			p.Line("address:        %s", c.base)
			p.Line("uptime:         %s", st.Uptime.Round(time.Second))
			p.Line("jobs:           %d", st.Jobs)
			p.Line("sessions:       %d (%d busy)", st.Sessions, st.BusySessions)
			p.Line("unread:         %d", st.UnreadCount)
			p.Line("ws clients:     %d", st.Clients)
			if st.ConfigFingerprint != "" {
				p.Detail("config %s", st.ConfigFingerprint)
			}
			return nil
		},
	}
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send SESSION PROMPT...",
		Short: "Send a prompt to a session through the daemon and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Agent turns can run for minutes; the daemon enforces its own bounds.
			c, err := newDaemonClient(cfg, 0)
			if err != nil {
				return err
			}
			var resp agent.Response
			body := map[string]string{"prompt": strings.Join(args[1:], " ")}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sessions/"+escape(args[0])+"/send", body, &resp); err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(resp)
			}
			p.Line("%s", resp.Text)
			return nil
		},
	}
}
