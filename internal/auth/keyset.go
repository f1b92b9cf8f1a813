package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/tracing"
)

var (
	// ErrKeyNotFound is returned when no key in the current set matches the token kid
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrNoKeys is returned when a fetched document contains no usable RSA keys
	ErrNoKeys = errors.New("no usable keys in JWKS")
)

const maxJWKSBytes = 1 << 20

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// RSAPublicKey converts the base64url modulus and exponent to a public key
func (k JSONWebKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.N, "="))
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.E, "="))
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 2 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// ParseJWKS decodes a JWKS document into RSA keys by kid. Non-RSA and malformed
// entries are skipped; a document with no usable key is an error.
func ParseJWKS(doc []byte) (map[string]*rsa.PublicKey, error) {
	var set JSONWebKeySet
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.RSAPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// CacheTTL derives the freshness window from a Cache-Control header.
// no-store and no-cache give zero; no max-age gives def.
func CacheTTL(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	ttl := def
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store" || directive == "no-cache":
			return 0
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(directive, "max-age="), `"`))
			if err == nil && secs >= 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	return ttl
}

// Store is a shared cache of raw JWKS documents, consulted before the network
type Store interface {
	// Get returns the cached document and its remaining lifetime, or nil on a miss
	Get(ctx context.Context, name string) ([]byte, time.Duration, error)
	Set(ctx context.Context, name string, doc []byte, ttl time.Duration) error
}

type KeySetOptions struct {
	Name               string // label for logs, spans and metrics
	URL                string
	Client             *http.Client
	DefaultTTL         time.Duration // used when the response has no max-age
	MinRefreshInterval time.Duration // floor between refetches triggered by unknown kids
	Store              Store
	Now                func() time.Time
}

// KeySet caches the signing keys published at a JWKS URL.
// Concurrent misses share a single fetch.
type KeySet struct {
	opts KeySetOptions

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	lastFetch time.Time

	group singleflight.Group
}

func NewKeySet(opts KeySetOptions) *KeySet {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = 6 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = opts.URL
	}
	return &KeySet{opts: opts}
}

func (ks *KeySet) Name() string { return ks.opts.Name }

// Key returns the public key for kid, loading or refreshing the set as needed
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := ks.opts.Now()

	ks.mu.RLock()
	key, found := ks.keys[kid]
	fresh := ks.keys != nil && now.Before(ks.expires)
	recent := now.Sub(ks.lastFetch) < ks.opts.MinRefreshInterval
	ks.mu.RUnlock()

	switch {
	case fresh && found:
		return key, nil
	case fresh && recent:
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	case fresh:
		// Unknown kid on a fresh set means the issuer rotated; skip the shared store
		// since it likely holds the same stale document.
		if err := ks.refresh(ctx, false); err != nil {
			return nil, err
		}
	default:
		if err := ks.refresh(ctx, true); err != nil {
			return nil, err
		}
	}

	ks.mu.RLock()
	key, found = ks.keys[kid]
	ks.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Refresh forces a network fetch
func (ks *KeySet) Refresh(ctx context.Context) error {
	return ks.refresh(ctx, false)
}

// Check reports whether the set holds keys, loading them if needed. Used by health checks.
func (ks *KeySet) Check(ctx context.Context) error {
	ks.mu.RLock()
	loaded := ks.keys != nil && ks.opts.Now().Before(ks.expires)
	ks.mu.RUnlock()
	if loaded {
		return nil
	}
	return ks.refresh(ctx, true)
}

func (ks *KeySet) refresh(ctx context.Context, useStore bool) error {
	key := "network"
	if useStore {
		key = "store"
	}
	// The shared fetch must not die with whichever caller happened to start it
	fetchCtx := context.WithoutCancel(ctx)
	ch := ks.group.DoChan(key, func() (any, error) {
		return nil, ks.load(fetchCtx, useStore)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ks *KeySet) load(ctx context.Context, useStore bool) error {
	if useStore && ks.opts.Store != nil {
		doc, ttl, err := ks.opts.Store.Get(ctx, ks.opts.Name)
		if err != nil {
			logging.WithContext(ctx).WithField("keyset", ks.opts.Name).WithError(err).Warn("key-set store read failed")
		}
		if err == nil && doc != nil && ttl > 0 {
			keys, perr := ParseJWKS(doc)
			metrics.RecordKeySetFetch(ks.opts.Name, "store", perr)
			if perr == nil {
				ks.install(keys, ttl)
				return nil
			}
		}
	}

	doc, ttl, err := ks.fetch(ctx)
	metrics.RecordKeySetFetch(ks.opts.Name, "network", err)
	if err != nil {
		return err
	}
	keys, err := ParseJWKS(doc)
	if err != nil {
		return err
	}
	ks.install(keys, ttl)

	if ks.opts.Store != nil && ttl > 0 {
		if err := ks.opts.Store.Set(ctx, ks.opts.Name, doc, ttl); err != nil {
			logging.WithContext(ctx).WithField("keyset", ks.opts.Name).WithError(err).Warn("key-set store write failed")
		}
	}
	return nil
}

func (ks *KeySet) install(keys map[string]*rsa.PublicKey, ttl time.Duration) {
	now := ks.opts.Now()
	ks.mu.Lock()
	ks.keys = keys
	ks.expires = now.Add(ttl)
	ks.lastFetch = now
	ks.mu.Unlock()
}

func (ks *KeySet) fetch(ctx context.Context) ([]byte, time.Duration, error) {
	ctx, span := tracing.StartSpan(ctx, "keyset.fetch",
		attribute.String("keyset", ks.opts.Name),
		attribute.String("url", ks.opts.URL),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.opts.URL, nil)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, 0, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := ks.opts.Client.Do(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, 0, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
		tracing.SetSpanError(ctx, err)
		return nil, 0, err
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, 0, fmt.Errorf("read JWKS: %w", err)
	}

	ttl := CacheTTL(resp.Header.Get("Cache-Control"), ks.opts.DefaultTTL)
	span.SetAttributes(attribute.String("ttl", ttl.String()))
	logging.WithContext(ctx).
		WithFields(map[string]any{"keyset": ks.opts.Name, "ttl": ttl.String()}).
		Debug("fetched signing keys")
	return doc, ttl, nil
}
