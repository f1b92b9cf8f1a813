package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenStatusRejected(t *testing.T) {
	tests := []struct {
		name    string
		status  TokenStatus
		enforce bool
		want    bool
	}{
		{name: "both missing", status: TokenStatus{Missing, Missing}, want: false},
		{name: "both valid", status: TokenStatus{Valid, Valid}, want: false},
		{name: "auth invalid", status: TokenStatus{Invalid, Valid}, want: true},
		{name: "app invalid", status: TokenStatus{Valid, Invalid}, want: true},
		{name: "enforced app missing", status: TokenStatus{Valid, Missing}, enforce: true, want: true},
		{name: "enforced app valid", status: TokenStatus{Missing, Valid}, enforce: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Rejected(tt.enforce); got != tt.want {
				t.Errorf("Rejected(%v) = %v, want %v", tt.enforce, got, tt.want)
			}
		})
	}
}

func TestCheckTokens(t *testing.T) {
	f := newVerifierFixture(t)

	idToken := mustToken(t)(f.issuer.MintIDToken(testProjectID, "user-1", time.Hour, nil))
	appToken := mustToken(t)(f.issuer.MintAppCheckToken(testProjectNumber, testProjectID, "app-1", time.Hour))
	foreignID := mustToken(t)(f.other.MintIDToken(testProjectID, "user-2", time.Hour, nil))

	tests := []struct {
		name         string
		cfg          CheckerConfig
		headers      map[string]string
		wantStatus   TokenStatus
		wantRejected bool
		wantUID      string
		wantAppID    string
	}{
		{
			name:       "no tokens",
			headers:    nil,
			wantStatus: TokenStatus{Missing, Missing},
		},
		{
			name:       "valid identity",
			headers:    map[string]string{"Authorization": "Bearer " + idToken},
			wantStatus: TokenStatus{Valid, Missing},
			wantUID:    "user-1",
		},
		{
			name: "both valid",
			headers: map[string]string{
				"Authorization":       "Bearer " + idToken,
				"X-Firebase-AppCheck": appToken,
			},
			wantStatus: TokenStatus{Valid, Valid},
			wantUID:    "user-1",
			wantAppID:  "app-1",
		},
		{
			name:         "garbage identity",
			headers:      map[string]string{"Authorization": "Bearer garbage"},
			wantStatus:   TokenStatus{Invalid, Missing},
			wantRejected: true,
		},
		{
			name:         "wrong auth scheme",
			headers:      map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantStatus:   TokenStatus{Invalid, Missing},
			wantRejected: true,
		},
		{
			name: "invalid app check does not hide valid identity",
			headers: map[string]string{
				"Authorization":       "Bearer " + idToken,
				"X-Firebase-AppCheck": "garbage",
			},
			wantStatus:   TokenStatus{Valid, Invalid},
			wantRejected: true,
			wantUID:      "user-1",
		},
		{
			name:         "enforced app check missing",
			cfg:          CheckerConfig{EnforceAppCheck: true},
			headers:      map[string]string{"Authorization": "Bearer " + idToken},
			wantStatus:   TokenStatus{Valid, Missing},
			wantRejected: true,
			wantUID:      "user-1",
		},
		{
			name:         "skip signature ignored outside emulation",
			cfg:          CheckerConfig{SkipSignature: true},
			headers:      map[string]string{"Authorization": "Bearer " + foreignID},
			wantStatus:   TokenStatus{Invalid, Missing},
			wantRejected: true,
		},
		{
			name:       "skip signature in emulation accepts foreign signature",
			cfg:        CheckerConfig{SkipSignature: true, Emulated: true},
			headers:    map[string]string{"Authorization": "Bearer " + foreignID},
			wantStatus: TokenStatus{Valid, Missing},
			wantUID:    "user-2",
		},
		{
			name:         "skip signature still rejects undecodable tokens",
			cfg:          CheckerConfig{SkipSignature: true, Emulated: true},
			headers:      map[string]string{"Authorization": "Bearer garbage"},
			wantStatus:   TokenStatus{Invalid, Missing},
			wantRejected: true,
		},
		{
			name:         "skip signature does not satisfy enforced app check",
			cfg:          CheckerConfig{SkipSignature: true, Emulated: true, EnforceAppCheck: true},
			headers:      map[string]string{"Authorization": "Bearer " + foreignID},
			wantStatus:   TokenStatus{Valid, Missing},
			wantRejected: true,
			wantUID:      "user-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Identity = f.identity
			cfg.AppCheck = f.appCheck
			checker := NewChecker(cfg)

			r := httptest.NewRequest(http.MethodPost, "/fn", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			res := checker.CheckTokens(context.Background(), r)
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %+v, want %+v", res.Status, tt.wantStatus)
			}
			if res.Rejected != tt.wantRejected {
				t.Errorf("Rejected = %v, want %v", res.Rejected, tt.wantRejected)
			}

			gotUID := ""
			if res.Auth != nil {
				gotUID = res.Auth.UID
				if sub, _ := res.Auth.Token.GetSubject(); sub != res.Auth.UID {
					t.Errorf("UID %q differs from token subject %q", res.Auth.UID, sub)
				}
			}
			if gotUID != tt.wantUID {
				t.Errorf("UID = %q, want %q", gotUID, tt.wantUID)
			}

			gotApp := ""
			if res.App != nil {
				gotApp = res.App.AppID
			}
			if gotApp != tt.wantAppID {
				t.Errorf("AppID = %q, want %q", gotApp, tt.wantAppID)
			}
		})
	}
}

func TestCheckTokensWithoutVerifiers(t *testing.T) {
	checker := NewChecker(CheckerConfig{})
	r := httptest.NewRequest(http.MethodPost, "/fn", nil)
	r.Header.Set("X-Firebase-AppCheck", "something")

	res := checker.CheckTokens(context.Background(), r)
	if res.Status.App != Invalid || !res.Rejected {
		t.Errorf("unverifiable app token should be invalid, got %+v", res)
	}
}
