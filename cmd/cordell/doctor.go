package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/doctor"
	otelPkg "github.com/basket/cordell/internal/otel"
)

var errDoctorFailed = errors.New("doctor: one or more checks failed")

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, runtimes, database and gateway address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgp *config.Config
			cfg, err := loadConfig()
			if err == nil {
				cfgp = &cfg
			}
			diag := doctor.Run(cmd.Context(), cfgp, otelPkg.Version)

			p := newPrinter(cmd, opts)
			if p.json {
				if err := p.JSON(diag); err != nil {
					return err
				}
			} else {
				p.Title("cordell doctor (%s)", diag.Timestamp.Format(time.RFC3339))
				p.Line("system: %s/%s (%s)", diag.System.OS, diag.System.Arch, diag.System.Go)
				if err != nil {
					p.Line("%s config load: %v", p.Status("error"), err)
				}
				for _, r := range diag.Results {
					p.Line("%-5s %-12s %s", p.doctorStatus(r.Status), r.Name, r.Message)
					if r.Detail != "" {
						p.Detail("%s", r.Detail)
					}
				}
			}
			if diag.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
}

func (p *printer) doctorStatus(s string) string {
	switch s {
	case doctor.StatusPass:
		return p.style(p.ok, s)
	case doctor.StatusWarn:
		return p.style(p.warn, s)
	case doctor.StatusFail:
		return p.style(p.bad, s)
	default:
		return p.style(p.dim, s)
	}
}
