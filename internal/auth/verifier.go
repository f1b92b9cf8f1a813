package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxSubjectLen = 128

var (
	ErrMissingKeyID   = errors.New("token has no kid header")
	ErrInvalidAud     = errors.New("token has incorrect aud claim")
	ErrInvalidSubject = errors.New("token has invalid sub claim")
)

// VerifierConfig describes one token pipeline
type VerifierConfig struct {
	Kind      string   // "auth" or "app", used in logs and metrics
	Issuer    string   // exact iss claim
	Audiences []string // token aud must contain at least one of these
	KeySet    *KeySet
	// MaxSubjectLen caps the sub claim, zero means unlimited
	MaxSubjectLen int
	Leeway        time.Duration
	Now           func() time.Time
}

// Verifier checks RS256 tokens against a rotating key set
type Verifier struct {
	cfg    VerifierConfig
	parser *jwt.Parser
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// NewIdentityVerifier verifies end-user identity tokens for projectID.
// An empty issuer means the production securetoken issuer.
func NewIdentityVerifier(projectID, issuer string, ks *KeySet) *Verifier {
	if issuer == "" {
		issuer = "https://securetoken.google.com/" + projectID
	}
	return NewVerifier(VerifierConfig{
		Kind:          "auth",
		Issuer:        issuer,
		Audiences:     []string{projectID},
		KeySet:        ks,
		MaxSubjectLen: maxSubjectLen,
	})
}

// NewAppCheckVerifier verifies app attestation tokens. The audience may name the
// project by number or by id.
func NewAppCheckVerifier(projectNumber, projectID, issuer string, ks *KeySet) *Verifier {
	if issuer == "" {
		issuer = "https://firebaseappcheck.googleapis.com/" + projectNumber
	}
	var aud []string
	if projectNumber != "" {
		aud = append(aud, "projects/"+projectNumber)
	}
	if projectID != "" {
		aud = append(aud, "projects/"+projectID)
	}
	return NewVerifier(VerifierConfig{
		Kind:      "app",
		Issuer:    issuer,
		Audiences: aud,
		KeySet:    ks,
	})
}

func (v *Verifier) Kind() string { return v.cfg.Kind }

// Verify checks signature and claims, returning the decoded claims
func (v *Verifier) Verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if v.cfg.KeySet == nil {
		return nil, errors.New("verifier has no key set")
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		return v.cfg.KeySet.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%s token: %w", v.cfg.Kind, err)
	}
	if err := v.checkClaims(claims); err != nil {
		return nil, fmt.Errorf("%s token: %w", v.cfg.Kind, err)
	}
	return claims, nil
}

// Decode parses claims without checking the signature or expiry. Only the
// subject is validated, since callers rely on it as the principal id.
func (v *Verifier) Decode(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%s token: %w", v.cfg.Kind, err)
	}
	if err := v.checkSubject(claims); err != nil {
		return nil, fmt.Errorf("%s token: %w", v.cfg.Kind, err)
	}
	return claims, nil
}

func (v *Verifier) checkClaims(claims jwt.MapClaims) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return ErrInvalidAud
	}
	return v.checkSubject(claims)
}

func (v *Verifier) checkSubject(claims jwt.MapClaims) error {
	sub, err := claims.GetSubject()
	if err != nil {
		return err
	}
	if sub == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	}
	if v.cfg.MaxSubjectLen > 0 && len(sub) > v.cfg.MaxSubjectLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSubject, v.cfg.MaxSubjectLen)
	}
	return nil
}
