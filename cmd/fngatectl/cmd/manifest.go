package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/manifest"
)

var manifestRaw bool

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Show the functions a gateway serves",
	Long:  `Fetch the gateway's trigger manifest and list its functions, or print the raw YAML with --raw.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return runManifest(ctx, cmd.OutOrStdout(), manifestRaw)
	},
}

func runManifest(ctx context.Context, out io.Writer, raw bool) error {
	resp, err := doRequest(ctx, httpClient(), http.MethodGet, joinURL(serverURL, gateway.ManifestPath), nil, nil)
	if err != nil {
		return fmt.Errorf("manifest request failed: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	if raw {
		_, err := out.Write(b)
		return err
	}

	m, err := manifest.Parse(b)
	if err != nil {
		return err
	}
	if outputJSON {
		printOutput(out, m)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRIGGER\tREGION\tRETRY\tRATE")
	for _, name := range m.Names() {
		ep := m.Endpoints[name]
		trigger, retry, rate := "callable", "-", "-"
		if tq, ok := m.TaskQueue(name); ok {
			trigger = "task"
			retry, rate = describeRetry(tq.RetryConfig), describeRate(tq.RateLimits)
		}
		region := "-"
		if len(ep.Region) > 0 {
			region = strings.Join(ep.Region, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, trigger, region, retry, rate)
	}
	return tw.Flush()
}

func describeRetry(rc *manifest.RetryConfig) string {
	if rc == nil {
		return "default"
	}
	var parts []string
	add := func(label string, f manifest.Field[int]) {
		if !f.IsZero() {
			parts = append(parts, label+"="+f.String())
		}
	}
	add("attempts", rc.MaxAttempts)
	add("maxRetrySec", rc.MaxRetrySeconds)
	add("minBackoffSec", rc.MinBackoffSeconds)
	add("maxBackoffSec", rc.MaxBackoffSeconds)
	add("doublings", rc.MaxDoublings)
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, " ")
}

func describeRate(rl *manifest.RateLimits) string {
	if rl == nil {
		return "default"
	}
	var parts []string
	if !rl.MaxConcurrentDispatches.IsZero() {
		parts = append(parts, "concurrent="+rl.MaxConcurrentDispatches.String())
	}
	if !rl.MaxDispatchesPerSecond.IsZero() {
		parts = append(parts, "perSecond="+rl.MaxDispatchesPerSecond.String())
	}
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.Flags().BoolVar(&manifestRaw, "raw", false, "print the manifest YAML as served")
}
