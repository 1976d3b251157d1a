package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/pkg/models"
)

var (
	alertsJSON     bool
	alertsSeverity string
	alertsService  string
	alertsBy       string
	suppressFor    time.Duration
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show active alerts",
	Long: `List triggered, acknowledged and investigating alerts from a running
obscore server, most severe first.

Use the ack, investigate, resolve and suppress subcommands to move an alert
through its lifecycle.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsSeverity != "" {
			if _, err := models.ParseSeverity(alertsSeverity); err != nil {
				return err
			}
		}
		alerts, err := newClient().ActiveAlerts(commandContext(cmd), alertsSeverity, alertsService)
		if err != nil {
			return fmt.Errorf("listing alerts: %w", err)
		}
		sort.SliceStable(alerts, func(i, j int) bool {
			return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
		})

		out := cmd.OutOrStdout()
		if alertsJSON {
			return writeJSON(out, alerts)
		}
		if len(alerts) == 0 {
			fmt.Fprintln(out, "No active alerts.")
			return nil
		}

		fmt.Fprintf(out, "%d active alert(s):\n\n", len(alerts))
		for _, a := range alerts {
			printAlert(out, a)
		}
		return nil
	},
}

func printAlert(w io.Writer, a models.Alert) {
	fmt.Fprintf(w, "  [%s] %s  (%s)\n", strings.ToUpper(string(a.Severity)), a.Title, a.AlertID)
	fmt.Fprintf(w, "         %s/%s  status=%s  escalation=%s\n", a.ServiceRole, a.ServiceName, a.Status, a.EscalationLevel)
	fmt.Fprintf(w, "         triggered at %s\n\n", a.TriggeredAt.UTC().Format("2006-01-02 15:04 UTC"))
}

// newAlertActionCmd builds one lifecycle subcommand. minutes is read only by
// suppress.
func newAlertActionCmd(use, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:               use + " <alert-id>",
		Short:             short,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeAlertIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes := 0
			if action == "suppress" {
				minutes = int(suppressFor.Minutes())
				if minutes <= 0 {
					return fmt.Errorf("--for must be at least one minute")
				}
			}
			a, err := newClient().AlertAction(commandContext(cmd), args[0], action, alertsBy, minutes)
			if err != nil {
				return fmt.Errorf("%s alert %s: %w", action, args[0], err)
			}
			out := cmd.OutOrStdout()
			if alertsJSON {
				return writeJSON(out, a)
			}
			fmt.Fprintf(out, "Alert %s is now %s.\n", a.AlertID, a.Status)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func init() {
	alertsCmd.PersistentFlags().BoolVar(&alertsJSON, "json", false, "Output as JSON")
	alertsCmd.PersistentFlags().StringVar(&alertsBy, "by", "cli", "Operator recorded on the transition")
	alertsCmd.Flags().StringVar(&alertsSeverity, "severity", "", "Only alerts with this severity")
	alertsCmd.Flags().StringVar(&alertsService, "service", "", "Only alerts for this service")

	suppressCmd := newAlertActionCmd("suppress", "suppress", "Silence an alert for a while")
	suppressCmd.Flags().DurationVar(&suppressFor, "for", time.Hour, "Suppression window (e.g. 30m, 2h)")

	alertsCmd.AddCommand(
		newAlertActionCmd("ack", "acknowledge", "Acknowledge an alert"),
		newAlertActionCmd("investigate", "investigate", "Mark an alert as under investigation"),
		newAlertActionCmd("resolve", "resolve", "Resolve an alert"),
		suppressCmd,
	)
	rootCmd.AddCommand(alertsCmd)
}
