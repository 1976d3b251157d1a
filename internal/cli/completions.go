package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/api"
)

// completeAlertIDs lists active alert IDs from the running server. An
// unreachable server yields no suggestions.
func completeAlertIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	alerts, err := api.NewClient(resolveServerURL(), 2*time.Second).ActiveAlerts(ctx, "", "")
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var ids []string
	for _, a := range alerts {
		if toComplete == "" || strings.HasPrefix(a.AlertID, toComplete) {
			// Title as description for better UX.
			ids = append(ids, a.AlertID+"\t"+string(a.Severity)+": "+a.Title)
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
