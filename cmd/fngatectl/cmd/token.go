package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fngate/internal/keyserver"
)

var (
	tokenProjectID     string
	tokenProjectNumber string
	tokenUID           string
	tokenAppID         string
	tokenTTL           time.Duration
	tokenClaims        string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint development tokens from the key server",
	Long: `Mint RS256 tokens from the dev key server. Gateways pointed at the key
server's JWKS accept them as identity or app check tokens.`,
}

var tokenIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Mint an identity token",
	Long: `Mint an identity token for a user.

Example:
  export FNGATE_TOKEN=$(fngatectl token id --project demo --uid alice)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := keyserver.TokenRequest{Kind: "id", ProjectID: tokenProjectID, UID: tokenUID, TTL: int(tokenTTL.Seconds())}
		if tokenClaims != "" {
			if err := json.Unmarshal([]byte(tokenClaims), &req.Claims); err != nil {
				return fmt.Errorf("failed to parse --claims: %w", err)
			}
		}
		return runToken(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

var tokenAppCheckCmd = &cobra.Command{
	Use:   "appcheck",
	Short: "Mint an app check token",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := keyserver.TokenRequest{
			Kind:          "appcheck",
			ProjectID:     tokenProjectID,
			ProjectNumber: tokenProjectNumber,
			AppID:         tokenAppID,
			TTL:           int(tokenTTL.Seconds()),
		}
		return runToken(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

func runToken(ctx context.Context, out io.Writer, req keyserver.TokenRequest) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := doRequest(ctx, httpClient(), http.MethodPost, joinURL(keyServerURL, keyserver.TokenPath), req, nil)
	if err != nil {
		return fmt.Errorf("key server request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("key server returned HTTP %d: %s", resp.StatusCode, b)
	}

	var tr keyserver.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if outputJSON {
		printOutput(out, tr)
		return nil
	}
	fmt.Fprintln(out, tr.Token)
	return nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIDCmd)
	tokenCmd.AddCommand(tokenAppCheckCmd)

	tokenCmd.PersistentFlags().StringVar(&tokenProjectID, "project", "", "project id")
	tokenCmd.PersistentFlags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	tokenIDCmd.Flags().StringVar(&tokenUID, "uid", "", "user id (token subject)")
	tokenIDCmd.Flags().StringVar(&tokenClaims, "claims", "", "extra claims as a JSON object")
	_ = tokenIDCmd.MarkFlagRequired("uid")

	tokenAppCheckCmd.Flags().StringVar(&tokenProjectNumber, "project-number", "", "project number")
	tokenAppCheckCmd.Flags().StringVar(&tokenAppID, "app-id", "", "app id (token subject)")
	_ = tokenAppCheckCmd.MarkFlagRequired("app-id")
	_ = tokenAppCheckCmd.MarkFlagRequired("project-number")
}
