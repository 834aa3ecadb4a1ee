package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/bodytrack/internal/store"
	"github.com/andresmejia3/bodytrack/internal/utils"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent tracking sessions",
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			utils.Die("Failed to list sessions", err, "")
		}
		printSessions(os.Stdout, sessions)
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to show")
	rootCmd.AddCommand(sessionsCmd)
}

func printSessions(out io.Writer, sessions []store.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTARTED\tDURATION\tFRAMES\tEVENTS")
	fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t------")

	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Source, s.StartedAt.Local().Format("2006-01-02 15:04"), duration, s.Frames, s.Events)
	}
	w.Flush()
}
