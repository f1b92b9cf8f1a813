package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fngate/internal/health"
)

var healthEmulator bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the gateway or the task emulator",
	RunE: func(cmd *cobra.Command, args []string) error {
		base := serverURL
		if healthEmulator {
			base = emulatorURL
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return runHealth(ctx, cmd.OutOrStdout(), base)
	},
}

func runHealth(ctx context.Context, out io.Writer, base string) error {
	resp, err := doRequest(ctx, httpClient(), http.MethodGet, joinURL(base, "/healthz"), nil, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode health response (HTTP %d): %w", resp.StatusCode, err)
	}
	if outputJSON {
		printOutput(out, st)
	} else {
		if st.OK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
		}
		names := make([]string, 0, len(st.Checks))
		for name := range st.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s: %s\n", name, st.Checks[name])
		}
	}
	if !st.OK {
		return fmt.Errorf("unhealthy: %s", st.Message)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthEmulator, "emulator", false, "check the task emulator instead of the gateway")
}
