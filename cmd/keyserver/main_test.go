package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/keyserver"
)

func TestLoadIssuer(t *testing.T) {
	cfg := config.KeyServer{KeyID: "test-key", KeyBits: 1024}

	generated, err := loadIssuer(cfg, "")
	if err != nil {
		t.Fatalf("loadIssuer() error: %v", err)
	}
	if generated.KeyID() != "test-key" {
		t.Errorf("KeyID() = %q", generated.KeyID())
	}

	loaded, err := loadIssuer(cfg, string(generated.PrivateKeyPEM()))
	if err != nil {
		t.Fatalf("loadIssuer(pem) error: %v", err)
	}
	if loaded.PublicKey().N.Cmp(generated.PublicKey().N) != 0 {
		t.Error("issuer loaded from PEM has a different key")
	}

	if _, err := loadIssuer(cfg, "not a pem"); err == nil {
		t.Error("expected error for an invalid PEM key")
	}
}

func TestServedKeySet(t *testing.T) {
	iss, err := loadIssuer(config.KeyServer{KeyID: "kid-1", KeyBits: 1024}, "")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(iss.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + keyserver.JWKSPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var jwks keyserver.JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		t.Fatal(err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != "kid-1" {
		t.Errorf("keys = %+v", jwks.Keys)
	}
}
