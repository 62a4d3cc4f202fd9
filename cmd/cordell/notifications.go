package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/persistence"
)

func openInbox() (*persistence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return persistence.Open(cfg.DBPath())
}

func newNotificationsCmd(opts *rootOptions) *cobra.Command {
	var (
		unread bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"inbox"},
		Short:   "Show job replies delivered to the local inbox",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openInbox()
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.ListNotifications(cmd.Context(), unread, limit)
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				if list == nil {
					list = []persistence.Notification{}
				}
				return p.JSON(list)
			}
			if len(list) == 0 {
				p.Line("Inbox is empty.")
				return nil
			}
			for _, n := range list {
				state := "read"
				if !n.Read() {
					state = "unread"
				}
				p.Line("%s  %s  %s  %s", p.style(p.dim, n.ID), formatTime(n.CreatedAt), p.style(p.title, n.Job), p.Status(state))
				if n.Error != "" {
					p.Detail("%s %s", p.Status(n.Status), truncate(n.Error, 100))
					continue
				}
				p.Detail("%s", truncate(n.Response, 100))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum notifications to show")
	cmd.AddCommand(newNotificationsReadCmd(opts))
	cmd.AddCommand(newNotificationsClearCmd(opts))
	return cmd
}

func newNotificationsReadCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "read [ID]",
		Short: "Mark a notification, or every notification with --all, as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give a notification ID or --all")
			}
			store, err := openInbox()
			if err != nil {
				return err
			}
			defer store.Close()
			p := newPrinter(cmd, opts)
			if all {
				n, err := store.MarkAllRead(cmd.Context())
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(map[string]int64{"marked": n})
				}
				p.Line("Marked %d notification(s) read", n)
				return nil
			}
			ok, err := store.MarkRead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no unread notification %q", args[0])
			}
			if p.json {
				return p.JSON(map[string]string{"marked": args[0]})
			}
			p.Line("Marked %s read", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "mark every notification read")
	return cmd
}

func newNotificationsClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openInbox()
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.ClearNotifications(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(map[string]int64{"cleared": n})
			}
			p.Line("Cleared %d notification(s)", n)
			return nil
		},
	}
}
