// Package keyserver is a development token issuer. It serves a JWKS document and mints
// RS256 identity and app check tokens shaped like the production ones, so the gateway's
// verifiers can run end to end without the real identity platform.
package keyserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/fngate/internal/health"
	"github.com/austindbirch/fngate/internal/logging"
)

const (
	// JWKSPath is where the key set is served
	JWKSPath = "/.well-known/jwks.json"
	// TokenPath accepts token mint requests
	TokenPath = "/token"

	// IdentityIssuerPrefix is followed by the project id in identity tokens
	IdentityIssuerPrefix = "https://securetoken.google.com/"
	// AppCheckIssuerPrefix is followed by the project number in app check tokens
	AppCheckIssuerPrefix = "https://firebaseappcheck.googleapis.com/"

	defaultTTL = time.Hour
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Issuer holds one RSA signing key
type Issuer struct {
	key   *rsa.PrivateKey
	keyID string

	// MaxAge is advertised in the JWKS Cache-Control header
	MaxAge time.Duration
	// Now is the clock used for iat/exp, overridable in tests
	Now func() time.Time
}

// New generates a fresh RSA key of the given size
func New(keyID string, bits int) (*Issuer, error) {
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newIssuer(key, keyID), nil
}

// FromPEM loads a PKCS1 or PKCS8 RSA private key
func FromPEM(data []byte, keyID string) (*Issuer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newIssuer(key, keyID), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return newIssuer(key, keyID), nil
}

func newIssuer(key *rsa.PrivateKey, keyID string) *Issuer {
	return &Issuer{
		key:    key,
		keyID:  keyID,
		MaxAge: 5 * time.Minute,
		Now:    time.Now,
	}
}

func (i *Issuer) KeyID() string { return i.keyID }

func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }

// PrivateKeyPEM encodes the signing key so other processes can share it
func (i *Issuer) PrivateKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(i.key),
	})
}

// JWKS returns the public half of the signing key as a key set
func (i *Issuer) JWKS() JWKSResponse {
	pub := i.PublicKey()
	return JWKSResponse{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: i.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// Sign signs arbitrary claims with the issuer key and kid header
func (i *Issuer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

// MintIDToken creates an identity token for uid in projectID.
// extra claims are merged last and may override the standard ones.
func (i *Issuer) MintIDToken(projectID, uid string, ttl time.Duration, extra map[string]any) (string, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := i.Now()
	claims := jwt.MapClaims{
		"iss":       IdentityIssuerPrefix + projectID,
		"aud":       projectID,
		"sub":       uid,
		"user_id":   uid,
		"auth_time": now.Unix(),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"firebase": map[string]any{
			"identities":       map[string]any{},
			"sign_in_provider": "custom",
		},
	}
	for k, v := range extra {
		claims[k] = v
	}
	return i.Sign(claims)
}

// MintAppCheckToken creates an app check token attesting appID
func (i *Issuer) MintAppCheckToken(projectNumber, projectID, appID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := i.Now()
	aud := []string{"projects/" + projectNumber}
	if projectID != "" {
		aud = append(aud, "projects/"+projectID)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": AppCheckIssuerPrefix + projectNumber,
		"aud": aud,
		"sub": appID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	token.Header["kid"] = i.keyID
	token.Header["typ"] = "JWT"
	return token.SignedString(i.key)
}

// JWKSHandler serves the JWKS endpoint
func (i *Issuer) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(i.MaxAge.Seconds())))
		_ = json.NewEncoder(w).Encode(i.JWKS())
	}
}

// TokenRequest is the body accepted by TokenHandler
type TokenRequest struct {
	Kind          string         `json:"kind"` // "id" (default) or "appcheck"
	ProjectID     string         `json:"project_id"`
	ProjectNumber string         `json:"project_number,omitempty"`
	UID           string         `json:"uid,omitempty"`
	AppID         string         `json:"app_id,omitempty"`
	TTL           int            `json:"ttl_seconds,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// TokenHandler handles token creation requests
func (i *Issuer) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		ttl := req.TTL
		if ttl == 0 {
			ttl = int(defaultTTL.Seconds())
		}

		var (
			token string
			err   error
		)
		switch req.Kind {
		case "", "id":
			if req.ProjectID == "" || req.UID == "" {
				http.Error(w, "project_id and uid are required", http.StatusBadRequest)
				return
			}
			token, err = i.MintIDToken(req.ProjectID, req.UID, time.Duration(ttl)*time.Second, req.Claims)
		case "appcheck":
			if req.ProjectNumber == "" || req.AppID == "" {
				http.Error(w, "project_number and app_id are required", http.StatusBadRequest)
				return
			}
			token, err = i.MintAppCheckToken(req.ProjectNumber, req.ProjectID, req.AppID, time.Duration(ttl)*time.Second)
		default:
			http.Error(w, "unknown token kind", http.StatusBadRequest)
			return
		}
		if err != nil {
			logging.WithContext(r.Context()).WithError(err).Error("failed to sign token")
			http.Error(w, "Failed to sign token", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{Token: token, ExpiresIn: ttl, TokenType: "Bearer"})
	}
}

// Handler mounts the JWKS, token and health endpoints
func (i *Issuer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(JWKSPath, i.JWKSHandler())
	mux.HandleFunc(TokenPath, i.TokenHandler())
	mux.HandleFunc("/healthz", health.HTTPHandler(nil))
	return mux
}
