package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fngate/internal/respond"
	"github.com/austindbirch/fngate/internal/wire"
)

var (
	callData   string
	callStream bool
)

var callCmd = &cobra.Command{
	Use:   "call [function|url]",
	Short: "Call a callable function",
	Long: `Call a callable function by name on the configured gateway, or by full URL.

The --data value is JSON and is wire-encoded before sending, so integers
beyond 2^53 keep their precision. With --stream, chunks are printed as they
arrive and the final result last.

Examples:
  fngatectl call addNumbers --data '{"a":1,"b":2}'
  fngatectl call countdown --data '{"from":5}' --stream`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return runCall(ctx, cmd.OutOrStdout(), joinURL(serverURL, args[0]), callData, callStream)
	},
}

// callError is an error body returned by a function
type callError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *callError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// frame is one response body or stream event
type frame struct {
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *callError      `json:"error,omitempty"`
}

// encodeCallBody turns JSON text into a {"data": ...} request body
func encodeCallBody(data string) (map[string]any, error) {
	if strings.TrimSpace(data) == "" {
		return map[string]any{"data": nil}, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse --data: %w", err)
	}
	enc, err := wire.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode --data: %w", err)
	}
	return map[string]any{"data": enc}, nil
}

func runCall(ctx context.Context, out io.Writer, url, data string, stream bool) error {
	body, err := encodeCallBody(data)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if stream {
		headers["Accept"] = respond.ContentTypeEventStream
	}

	resp, err := doRequest(ctx, httpClient(), http.MethodPost, url, body, headers)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), respond.ContentTypeEventStream) {
		return readStream(resp.Body, out)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if f.Error != nil {
		return f.Error
	}
	return printWire(out, f.Result)
}

// readStream prints each chunk and then the final result of an event stream
func readStream(r io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 10<<20)
	for sc.Scan() {
		line := sc.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// blank separators and ": ping" heartbeats
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return fmt.Errorf("bad stream frame %q: %w", payload, err)
		}
		switch {
		case f.Error != nil:
			return f.Error
		case f.Message != nil:
			if err := printWire(out, f.Message); err != nil {
				return err
			}
		case f.Result != nil:
			return printWire(out, f.Result)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return errors.New("stream ended without a result")
}

// printWire decodes a wire value and prints it
func printWire(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	v, err := wire.DecodeJSON(raw)
	if err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	if outputJSON {
		printOutput(out, v)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON data to send")
	callCmd.Flags().BoolVar(&callStream, "stream", false, "request a streaming response")
}
