package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"marginalia/api/internal/gitrepo"
)

var (
	reposDir     string
	historyLimit int
)

func init() {
	snapshotsCmd.PersistentFlags().StringVar(&reposDir, "repos", cfg.ReposDir, "snapshot repository directory")
	snapshotsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of snapshots to show")

	snapshotsCmd.AddCommand(snapshotsHistoryCmd, snapshotsHeadCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect saved document snapshots",
}

var snapshotsHistoryCmd = &cobra.Command{
	Use:   "history [document-id]",
	Short: "List the snapshots of a document, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		commits, err := gitrepo.New(reposDir).History(args[0], historyLimit)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), commits)
	},
}

var snapshotsHeadCmd = &cobra.Command{
	Use:   "head [document-id]",
	Short: "Summarize the latest snapshot of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, info, err := gitrepo.New(reposDir).GetHeadContent(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "commit  %s\ntitle   %s\nauthor  %s\ndate    %s\n", info.Hash, content.Title, info.Author, info.CreatedAt.Format("2006-01-02 15:04:05"))
		for _, t := range content.Threads {
			state := "open"
			if t.Resolved() {
				state = "resolved"
			}
			fmt.Fprintf(out, "thread  %s\t%s\t%d comments\n", t.ID, state, len(t.ActiveComments()))
		}
		return nil
	},
}

func printHistory(w io.Writer, commits []gitrepo.CommitInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tDATE\tAUTHOR\t+/-\tMESSAGE")
	for _, c := range commits {
		hash := c.Hash
		if len(hash) > 10 {
			hash = hash[:10]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t+%d/-%d\t%s\n", hash, c.CreatedAt.Format("2006-01-02 15:04"), c.Author, c.Added, c.Removed, c.Message)
	}
	return tw.Flush()
}
