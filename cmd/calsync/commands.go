package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/SwitchbackTech/compass-sub004/internal/maintenance"
)

var importCmd = &cobra.Command{
	Use:   "import <user> <calendar>",
	Short: "Fully import a calendar and store its sync token",
	Long: `Fully import a calendar: list every event, link instances to their bases,
replace the local copy and store the new sync token. With --watch a push
channel is opened afterwards (requires watch.callback_url).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.maint.FullSync(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d events (%d bases, %d instances, %d pruned)\n",
			res.Total, res.Bases, res.Instances, res.Pruned)

		if withWatch, _ := cmd.Flags().GetBool("watch"); withWatch {
			es, err := a.watches.Start(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watching via channel %s until %s\n", es.ChannelID, es.ChannelExpiration.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Bring watched calendars up to date",
	Long: `Run one maintenance sweep: incremental imports, resyncs after invalid tokens
and watch renewal. Without --user every known user is maintained.

Example usage:
  calsync maintain --dry-run
  calsync maintain --user alice@example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		user, _ := cmd.Flags().GetString("user")

		var reports []maintenance.Report
		if user != "" {
			rep, err := a.maint.Maintain(cmd.Context(), user, dryRun)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
		} else if reports, err = a.maint.MaintainAll(cmd.Context(), dryRun); err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
		for _, rep := range reports {
			if rep.Failed() {
				return fmt.Errorf("maintenance failed for %s", rep.UserID)
			}
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage push notification channels",
}

var watchStartCmd = &cobra.Command{
	Use:   "start <user> <calendar>",
	Short: "Open a channel for a calendar, replacing any existing one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		es, err := a.watches.Refresh(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), es)
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop <user> <calendar>",
	Short: "Stop a calendar's channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.watches.Stop(cmd.Context(), args[0], args[1])
	},
}

var watchStopAllCmd = &cobra.Command{
	Use:   "stop-all <user>",
	Short: "Stop every channel of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.watches.StopAll(cmd.Context(), args[0])
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <user>",
	Short: "Stop a user's channels and delete their events, sync state and token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to delete data of %s without --yes", args[0])
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.maint.Disconnect(cmd.Context(), args[0])
	},
}

func init() {
	importCmd.Flags().Bool("watch", false, "open a push channel after the import")
	maintainCmd.Flags().Bool("dry-run", false, "report planned actions without running them")
	maintainCmd.Flags().String("user", "", "maintain a single user")
	disconnectCmd.Flags().Bool("yes", false, "confirm deletion")

	watchCmd.AddCommand(watchStartCmd, watchStopCmd, watchStopAllCmd)
	rootCmd.AddCommand(importCmd, maintainCmd, watchCmd, disconnectCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
