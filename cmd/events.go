package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/bodytrack/internal/presence"
	"github.com/andresmejia3/bodytrack/internal/store"
	"github.com/andresmejia3/bodytrack/internal/utils"
)

type eventsOptions struct {
	Session string
	BodyID  int64
	Kind    string
	Limit   int
}

var eventsOpts eventsOptions

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recorded presence events",
	// Flags are checked here because Args runs before the database connects.
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.NoArgs(cmd, args); err != nil {
			return err
		}
		_, err := eventsFilter(eventsOpts)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := eventsFilter(eventsOpts)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		events, err := DB.ListEvents(cmd.Context(), filter)
		if err != nil {
			utils.Die("Failed to list events", err, "")
		}
		printEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsOpts.Session, "session", "", "Only events of this session id")
	eventsCmd.Flags().Int64Var(&eventsOpts.BodyID, "body", -1, "Only events of this body id")
	eventsCmd.Flags().StringVar(&eventsOpts.Kind, "kind", "", "Only 'entered' or 'exited' events")
	eventsCmd.Flags().IntVarP(&eventsOpts.Limit, "limit", "n", 100, "Maximum number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

// eventsFilter validates the flags and turns them into a store filter.
func eventsFilter(opts eventsOptions) (store.EventFilter, error) {
	f := store.EventFilter{Limit: opts.Limit}
	if opts.Session != "" {
		id, err := uuid.Parse(opts.Session)
		if err != nil {
			return f, fmt.Errorf("invalid --session: %w", err)
		}
		f.SessionID = &id
	}
	if opts.BodyID >= 0 {
		if opts.BodyID > int64(^uint32(0)) {
			return f, fmt.Errorf("invalid --body: %d does not fit a body id", opts.BodyID)
		}
		id := uint32(opts.BodyID)
		f.BodyID = &id
	}
	switch k := presence.Kind(opts.Kind); k {
	case "", presence.Entered, presence.Exited:
		f.Kind = k
	default:
		return f, fmt.Errorf("invalid --kind %q: use entered or exited", opts.Kind)
	}
	return f, nil
}

func printEvents(out io.Writer, events []store.EventRecord) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tDEVICE TIME\tBODY\tEVENT\tDISTANCE")
	fmt.Fprintln(w, "-------\t-----------\t----\t-----\t--------")

	for _, e := range events {
		distance := "-"
		if e.Distance != nil {
			distance = fmt.Sprintf("%.1fm", *e.Distance)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.SessionID.String()[:8], fmtDeviceTime(e.DeviceTimestamp), e.BodyID, e.Kind, distance)
	}
	w.Flush()
}
