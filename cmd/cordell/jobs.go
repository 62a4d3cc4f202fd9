package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/persistence"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and edit scheduled jobs",
	}
	cmd.AddCommand(newJobsListCmd(opts))
	cmd.AddCommand(newJobsAddCmd(opts))
	cmd.AddCommand(newJobsRemoveCmd(opts))
	cmd.AddCommand(newJobsRunCmd(opts))
	cmd.AddCommand(newJobsRunsCmd(opts))
	return cmd
}

// configJobStore opens the jobs of config.yaml for editing. A running
// daemon picks the saved file up through its watcher.
func configJobStore(cfg config.Config) (*cron.JobStore, error) {
	return cron.NewJobStore(cfg.CronJobs(), cron.StoreOptions{
		Persist: func(jobs []cron.Job) error { return config.SaveJobs(cfg.HomeDir, jobs) },
	})
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs from config.yaml with their next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}
			now := time.Now().In(loc)
			jobs := cfg.CronJobs()
			statuses := make([]cron.JobStatus, 0, len(jobs))
			for _, j := range jobs {
				statuses = append(statuses, cron.JobStatus{Job: j, NextRun: j.Next(now)})
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(statuses)
			}
			for _, cerr := range cfg.Errors {
				if cerr.Kind == "job" {
					p.Line("%s %s", p.Status("error"), cerr.Error())
				}
			}
			if len(statuses) == 0 {
				p.Line("No scheduled jobs.")
				return nil
			}
			for _, st := range statuses {
				p.Title("%s", st.Name)
				p.Line("  session %s  schedule %q  next %s", st.Session, st.Schedule, formatTime(st.NextRun))
				var extra []string
				if st.ActiveHours != nil {
					extra = append(extra, "active "+st.ActiveHours.String())
				}
				if st.SuppressOK {
					extra = append(extra, "suppress "+cron.HeartbeatOK)
				}
				if len(extra) > 0 {
					p.Detail("%s", strings.Join(extra, ", "))
				}
				p.Detail("%s", truncate(st.Prompt, 72))
			}
			return nil
		},
	}
}

func newJobsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		job         cron.Job
		activeHours string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create or replace a job in config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			job.Name = args[0]
			if activeHours != "" {
				w, err := parseWindow(activeHours)
				if err != nil {
					return err
				}
				job.ActiveHours = w
			}
			store, err := configJobStore(cfg)
			if err != nil {
				return err
			}
			replaced, err := store.Add(job, "cli")
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				saved, _ := store.Get(job.Name)
				return p.JSON(map[string]any{"job": saved, "replaced": replaced})
			}
			verb := "Scheduled"
			if replaced {
				verb = "Updated"
			}
			p.Line("%s job '%s'", verb, job.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&job.Schedule, "schedule", "", "cron expression, e.g. \"*/30 * * * *\"")
	cmd.Flags().StringVar(&job.Prompt, "prompt", "", "prompt sent on each run")
	cmd.Flags().StringVar(&job.Session, "session", "", "target session (default main)")
	cmd.Flags().StringVar(&activeHours, "active-hours", "", "inclusive hour window START-END, e.g. 9-17")
	cmd.Flags().BoolVar(&job.SuppressOK, "suppress-ok", false, "drop replies that are exactly "+cron.HeartbeatOK)
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// parseWindow reads "START-END" in hours.
func parseWindow(s string) (*cron.Window, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return nil, fmt.Errorf("active hours %q: want START-END", s)
	}
	a, errA := strconv.Atoi(strings.TrimSpace(start))
	b, errB := strconv.Atoi(strings.TrimSpace(end))
	if errA != nil || errB != nil {
		return nil, fmt.Errorf("active hours %q: want START-END", s)
	}
	return &cron.Window{Start: a, End: b}, nil
}

func newJobsRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a job from config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := configJobStore(cfg)
			if err != nil {
				return err
			}
			if err := store.Remove(args[0], "cli"); err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(map[string]string{"removed": args[0]})
			}
			p.Line("Removed job '%s'", args[0])
			return nil
		},
	}
}

func newJobsRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run NAME",
		Short: "Run a job now through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := newDaemonClient(cfg, 0)
			if err != nil {
				return err
			}
			var out cron.Outcome
			if err := c.do(cmd.Context(), http.MethodPost, "/api/jobs/"+escape(args[0])+"/run", nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(out)
			}
			p.Line("%s %s in %s", args[0], p.Status(string(out.Status)), out.Duration.Round(time.Millisecond))
			if out.Suppressed {
				p.Detail("reply suppressed (%s)", cron.HeartbeatOK)
			}
			if out.Error != "" {
				p.Detail("%s", out.Error)
			}
			if out.Response != "" {
				p.Line("%s", out.Response)
			}
			return nil
		},
	}
}

func newJobsRunsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [NAME]",
		Short: "Show recent runs from the run ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()
			job := ""
			if len(args) == 1 {
				job = args[0]
			}
			runs, err := store.ListRuns(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				if runs == nil {
					runs = []persistence.JobRun{}
				}
				return p.JSON(runs)
			}
			if len(runs) == 0 {
				p.Line("No runs recorded.")
				return nil
			}
			sort.SliceStable(runs, func(i, k int) bool { return runs[i].StartedAt.After(runs[k].StartedAt) })
			for _, r := range runs {
				state := p.Status(r.Status)
				if r.Suppressed {
					state += " (suppressed)"
				}
				p.Line("%s  %-16s %-8s %s  %dms", formatTime(r.StartedAt), r.Job, r.Trigger, state, r.DurationMS)
				if r.Error != "" {
					p.Detail("%s", r.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}
