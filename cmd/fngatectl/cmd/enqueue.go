package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fngate/internal/emulator"
)

var (
	enqueueData  string
	enqueueDelay time.Duration
	enqueueID    string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [queue]",
	Short: "Enqueue a task on the local task emulator",
	Long: `Enqueue a task for a task queue function. The emulator dispatches it to the
gateway with the queue headers, retrying as the function's retry config says.

Example:
  fngatectl enqueue logTask --data '{"message":"hello"}' --delay 5s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return runEnqueue(ctx, cmd.OutOrStdout(), args[0], enqueueData, enqueueDelay, enqueueID)
	},
}

func runEnqueue(ctx context.Context, out io.Writer, queue, data string, delay time.Duration, id string) error {
	body, err := encodeCallBody(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body["data"])
	if err != nil {
		return err
	}
	req := emulator.EnqueueRequest{ID: id, Data: raw, DelaySeconds: delay.Seconds()}

	path := strings.Replace(emulator.EnqueuePath, "{queue}", url.PathEscape(queue), 1)
	resp, err := doRequest(ctx, httpClient(), http.MethodPost, joinURL(emulatorURL, path), req, nil)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("emulator returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var er emulator.EnqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("failed to decode enqueue response: %w", err)
	}
	if outputJSON {
		printOutput(out, er)
		return nil
	}
	fmt.Fprintf(out, "✓ Enqueued task %s on %s (scheduled %s)\n", er.ID, er.Queue, er.ScheduledAt)
	return nil
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().StringVarP(&enqueueData, "data", "d", "", "JSON task data")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "dispatch delay")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "task id (generated when empty)")
}
