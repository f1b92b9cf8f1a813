// Package auth verifies the identity and app check bearer tokens presented to
// callable and task functions.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
)

const (
	HeaderAuthorization   = "Authorization"
	HeaderAppCheck        = "X-Firebase-AppCheck"
	HeaderInstanceIDToken = "Firebase-Instance-ID-Token"
)

var errNoVerifier = errors.New("no verifier configured for token")

// Outcome is the result of one token pipeline
type Outcome int

const (
	Missing Outcome = iota // no token presented
	Valid
	Invalid // presented but failed verification
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	default:
		return "MISSING"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// AuthData is the verified end user. UID always equals the token subject.
type AuthData struct {
	UID      string
	Token    jwt.MapClaims
	RawToken string
}

// AppData is the attested app. AppID always equals the token subject.
type AppData struct {
	AppID    string
	Token    jwt.MapClaims
	RawToken string
}

// TokenStatus carries both outcomes so one decision can be logged with both
type TokenStatus struct {
	Auth Outcome `json:"auth"`
	App  Outcome `json:"app"`
}

// Rejected applies the callable accept rule: any Invalid rejects, and a Missing
// app token rejects only when app check is enforced.
func (s TokenStatus) Rejected(enforceAppCheck bool) bool {
	if s.Auth == Invalid || s.App == Invalid {
		return true
	}
	return enforceAppCheck && s.App == Missing
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func AppCheckToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderAppCheck))
}

func InstanceIDToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderInstanceIDToken))
}

// CheckResult is what the callable invoker needs from token verification
type CheckResult struct {
	Status   TokenStatus
	Auth     *AuthData
	App      *AppData
	Rejected bool
}

type CheckerConfig struct {
	Identity *Verifier
	AppCheck *Verifier
	// EnforceAppCheck makes a missing app token a rejection
	EnforceAppCheck bool
	// SkipSignature decodes tokens without verifying them. It is honored only
	// together with Emulated, and never turns a missing token into a valid one.
	SkipSignature bool
	Emulated      bool
}

// Checker runs both token pipelines for a request
type Checker struct {
	cfg CheckerConfig
}

func NewChecker(cfg CheckerConfig) *Checker {
	return &Checker{cfg: cfg}
}

func (c *Checker) skipSignature() bool {
	return c.cfg.SkipSignature && c.cfg.Emulated
}

// CheckTokens verifies both tokens without short-circuiting, then decides once
// and logs the decision with both outcomes.
func (c *Checker) CheckTokens(ctx context.Context, r *http.Request) CheckResult {
	var res CheckResult

	if raw := BearerToken(r); raw != "" {
		claims, err := c.run(ctx, c.cfg.Identity, raw)
		if err != nil {
			res.Status.Auth = Invalid
			logging.WithContext(ctx).WithError(err).Warn("failed to validate auth token")
		} else {
			res.Status.Auth = Valid
			sub, _ := claims.GetSubject()
			res.Auth = &AuthData{UID: sub, Token: claims, RawToken: raw}
		}
	} else if r.Header.Get(HeaderAuthorization) != "" {
		// A header with the wrong scheme is a presented token that cannot be verified
		res.Status.Auth = Invalid
	}

	if raw := AppCheckToken(r); raw != "" {
		claims, err := c.run(ctx, c.cfg.AppCheck, raw)
		if err != nil {
			res.Status.App = Invalid
			logging.WithContext(ctx).WithError(err).Warn("failed to validate app check token")
		} else {
			res.Status.App = Valid
			sub, _ := claims.GetSubject()
			res.App = &AppData{AppID: sub, Token: claims, RawToken: raw}
		}
	}

	res.Rejected = res.Status.Rejected(c.cfg.EnforceAppCheck)

	metrics.RecordTokenOutcome("auth", res.Status.Auth.String())
	metrics.RecordTokenOutcome("app", res.Status.App.String())

	entry := logging.WithContext(ctx).WithFields(map[string]any{
		"verifications": map[string]string{
			"auth": res.Status.Auth.String(),
			"app":  res.Status.App.String(),
		},
	})
	if res.Auth != nil {
		entry = entry.WithUID(res.Auth.UID)
	}
	if res.Rejected {
		entry.Warn("callable request verification failed")
	} else {
		entry.Debug("callable request verification passed")
	}
	return res
}

func (c *Checker) run(ctx context.Context, v *Verifier, raw string) (jwt.MapClaims, error) {
	if v == nil {
		return nil, errNoVerifier
	}
	if c.skipSignature() {
		return v.Decode(raw)
	}
	return v.Verify(ctx, raw)
}
