package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/api"
	"github.com/valter-silva-au/obscore/pkg/models"
)

var (
	metricsJSON     bool
	metricsSince    string
	metricsMethods  []string
	metricsRole     string
	metricsServices []string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <name>",
	Short: "Aggregate a metric on a running server",
	Long: `Aggregate one metric over a time window on a running obscore server.

Methods are sum, avg, min, max and count. Restrict the samples with --role
and --service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceTime, err := parseSinceDuration(metricsSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
		for _, m := range metricsMethods {
			if _, err := models.ParseAggregationMethod(m); err != nil {
				return err
			}
		}
		if metricsRole != "" {
			if _, err := models.ParseServiceRole(metricsRole); err != nil {
				return err
			}
		}

		minutes := int(time.Since(sinceTime).Round(time.Minute).Minutes())
		if minutes < 1 {
			minutes = 1
		}
		results, err := newClient().Aggregate(commandContext(cmd), api.AggregateRequest{
			Name:     args[0],
			Methods:  metricsMethods,
			Role:     metricsRole,
			Services: metricsServices,
			Minutes:  minutes,
		})
		if err != nil {
			return fmt.Errorf("aggregating %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			return writeJSON(out, results)
		}

		fmt.Fprintf(out, "%s (since %s)\n\n", args[0], sinceTime.Format("2006-01-02 15:04"))
		if len(results) == 0 || results[0].SampleCount == 0 {
			fmt.Fprintln(out, "  No samples in window.")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "  %-8s %s\n", string(r.AggregationMethod)+":", strconv.FormatFloat(r.AggregatedValue, 'f', -1, 64))
		}
		fmt.Fprintf(out, "\n  %-8s %d\n", "samples:", results[0].SampleCount)
		fmt.Fprintf(out, "  %-8s %s\n", "from:", strings.Join(results[0].ContributingServices, ", "))
		return nil
	},
}

// parseSinceDuration parses a human-friendly duration string like "7d", "24h"
// or "30m" and returns the corresponding time in the past.
func parseSinceDuration(s string) (time.Time, error) {
	now := time.Now().UTC()
	s = strings.TrimSpace(s)
	if s == "" {
		return now.Add(-time.Hour), nil
	}

	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days < 0 {
			return time.Time{}, fmt.Errorf("invalid day duration %q", s)
		}
		return now.AddDate(0, 0, -days), nil
	}

	if strings.HasSuffix(s, "h") {
		hours, err := strconv.Atoi(strings.TrimSuffix(s, "h"))
		if err != nil || hours < 0 {
			return time.Time{}, fmt.Errorf("invalid hour duration %q", s)
		}
		return now.Add(-time.Duration(hours) * time.Hour), nil
	}

	if strings.HasSuffix(s, "m") {
		mins, err := strconv.Atoi(strings.TrimSuffix(s, "m"))
		if err != nil || mins < 0 {
			return time.Time{}, fmt.Errorf("invalid minute duration %q", s)
		}
		return now.Add(-time.Duration(mins) * time.Minute), nil
	}

	return time.Time{}, fmt.Errorf("unsupported duration format %q (use e.g. 7d, 24h, 30m)", s)
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output results as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "1h", "Time window (e.g. 7d, 24h, 30m)")
	metricsCmd.Flags().StringSliceVar(&metricsMethods, "method", nil, "Aggregation methods (default sum,avg,min,max,count)")
	metricsCmd.Flags().StringVar(&metricsRole, "role", "", "Only samples from this service role")
	metricsCmd.Flags().StringSliceVar(&metricsServices, "service", nil, "Only samples from these services")
	rootCmd.AddCommand(metricsCmd)
}
