package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/keyserver"
	"github.com/austindbirch/fngate/internal/manifest"
)

// LoadPolicies reads the queue policies of every task queue function a gateway serves
func LoadPolicies(ctx context.Context, client *http.Client, baseURL string) (map[string]QueuePolicy, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/") + gateway.ManifestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(b)
	if err != nil {
		return nil, err
	}

	policies := map[string]QueuePolicy{}
	for _, name := range m.Names() {
		if tq, ok := m.TaskQueue(name); ok {
			policies[name] = PolicyFrom(tq)
		}
	}
	return policies, nil
}

// StaticToken always sends token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// KeyServerToken mints identity tokens for uid from a dev key server's token
// endpoint, reusing each until a minute before it expires
func KeyServerToken(client *http.Client, tokenURL, projectID, uid string) TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Now().Before(expires) {
			return token, nil
		}

		body, _ := json.Marshal(keyserver.TokenRequest{Kind: "id", ProjectID: projectID, UID: uid})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("key server: unexpected status %d", resp.StatusCode)
		}
		var tr keyserver.TokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		token = tr.Token
		expires = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
		return token, nil
	}
}
