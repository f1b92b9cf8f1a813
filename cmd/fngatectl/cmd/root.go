package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/fngate/internal/auth"
)

var (
	cfgFile       string
	serverURL     string
	emulatorURL   string
	keyServerURL  string
	timeout       time.Duration
	outputJSON    bool
	prettyJSON    bool
	idToken       string
	appCheckToken string
)

var rootCmd = &cobra.Command{
	Use:   "fngatectl",
	Short: "fngate CLI - call functions and drive the local task emulator",
	Long: `fngatectl is a command line tool for the fngate function gateway.

You can use it to call callable functions (including streaming ones), mint
development tokens, enqueue tasks on the local emulator, and inspect the
gateway's trigger manifest and health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fngatectl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&emulatorURL, "emulator", "http://localhost:8083", "task emulator base URL")
	rootCmd.PersistentFlags().StringVar(&keyServerURL, "keyserver", "http://localhost:8082", "dev key server base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&idToken, "token", "", "identity token sent as a bearer token (overrides FNGATE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&appCheckToken, "app-check", "", "app check token (overrides FNGATE_APP_CHECK)")

	for _, name := range []string{"server", "emulator", "keyserver", "timeout", "json", "pretty", "token", "app-check"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".fngatectl")
	}

	viper.SetEnvPrefix("FNGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !flags.Changed("emulator") {
		if s := viper.GetString("emulator"); s != "" {
			emulatorURL = s
		}
	}
	if !flags.Changed("keyserver") {
		if s := viper.GetString("keyserver"); s != "" {
			keyServerURL = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		idToken = viper.GetString("token")
	}
	if !flags.Changed("app-check") {
		appCheckToken = viper.GetString("app-check")
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

// joinURL appends path to base unless target is already an absolute URL
func joinURL(base, target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(target, "/")
}

// doRequest sends a request with the configured tokens attached
func doRequest(ctx context.Context, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idToken != "" {
		req.Header.Set(auth.HeaderAuthorization, "Bearer "+idToken)
	}
	if appCheckToken != "" {
		req.Header.Set(auth.HeaderAppCheck, appCheckToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printOutput prints v as JSON when --json is set, otherwise with %v
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%v\n", v)
		return
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if prettyJSON {
		jsonData, err = json.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Fprintln(w, string(jsonData))
}
