package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show feature states and running work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProjectPath()
			if err != nil {
				return err
			}
			a, err := buildApp(project)
			if err != nil {
				return err
			}
			defer a.Close()

			feats, err := a.store.ListFeatures(project)
			if err != nil {
				return err
			}
			if len(feats) == 0 {
				fmt.Println("No features yet. Create one with: autoloop add \"<title>\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tBRANCH\tTITLE")
			for _, f := range feats {
				branch := f.BranchName
				if branch == "" {
					branch = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.Status, branch, f.Title)
			}
			w.Flush()

			running := a.leases.GetAllRunning()
			if len(running) > 0 {
				fmt.Println()
				for _, rf := range running {
					fmt.Printf("▶ %s running since %s\n", rf.FeatureID, rf.StartTime.Format("15:04:05"))
				}
			}
			return nil
		},
	}
}

// newEventsCmd creates the events command
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [feature-id]",
		Short: "Show the persisted event timeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProjectPath()
			if err != nil {
				return err
			}
			a, err := buildApp(project)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.journal == nil {
				return fmt.Errorf("event journal is not available for this project")
			}

			featureID := ""
			if len(args) == 1 {
				featureID = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")

			entries, err := a.journal.Query(featureID, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No events recorded")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %-24s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.FeatureID)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of events to show")
	return cmd
}

// newNotificationsCmd creates the notifications command
func newNotificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProjectPath()
			if err != nil {
				return err
			}
			a, err := buildApp(project)
			if err != nil {
				return err
			}
			defer a.Close()

			if id, _ := cmd.Flags().GetString("mark-read"); id != "" {
				if err := a.notifier.MarkRead(project, id); err != nil {
					return err
				}
				fmt.Printf("✅ Notification %s marked read\n", id)
				return nil
			}

			list, err := a.notifier.List(project)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No notifications")
				return nil
			}
			for _, n := range list {
				marker := "•"
				if n.Read {
					marker = " "
				}
				fmt.Printf("%s %s  [%s] %s: %s\n", marker, n.CreatedAt.Format("01-02 15:04"), n.Type, n.Title, n.Message)
			}
			return nil
		},
	}
	cmd.Flags().String("mark-read", "", "mark the given notification id as read")
	return cmd
}
