package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testJWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keyServer struct {
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetches int
}

func (k *keyServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fetches++
	var set struct {
		Keys []testJWK `json:"keys"`
	}
	for kid, pub := range k.keys {
		set.Keys = append(set.Keys, testJWK{
			Kid: kid,
			Kty: "RSA",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	_ = json.NewEncoder(w).Encode(set)
}

func (k *keyServer) set(kid string, pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = map[string]*rsa.PublicKey{kid: pub}
}

func (k *keyServer) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.fetches
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, c jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "user-123",
		"preferred_username": "alice",
		"aud":                "speech",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
	}
}

func newJWKS(t *testing.T) (*JWKSValidator, *keyServer, *rsa.PrivateKey) {
	t.Helper()
	key := generateKey(t)
	ks := &keyServer{}
	ks.set("kid-1", &key.PublicKey)
	srv := httptest.NewServer(ks)
	t.Cleanup(srv.Close)
	v, err := NewJWKSValidator(t.Context(), srv.URL, "speech", time.Hour, srv.Client(), newLogger())
	if err != nil {
		t.Fatalf("new jwks validator: %v", err)
	}
	return v, ks, key
}

func TestJWKSValidToken(t *testing.T) {
	v, ks, key := newJWKS(t)
	p, err := v.Validate(context.Background(), "Bearer "+signRS256(t, key, "kid-1", validClaims()))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Username != "alice" || p.Subject != "user-123" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	fetched := ks.count()
	if _, err := v.Validate(context.Background(), signRS256(t, key, "kid-1", validClaims())); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if ks.count() != fetched {
		t.Fatalf("expected cached key set, got %d fetches after %d", ks.count(), fetched)
	}
}

func TestJWKSFallsBackToSubject(t *testing.T) {
	v, _, key := newJWKS(t)
	c := validClaims()
	delete(c, "preferred_username")
	p, err := v.Validate(context.Background(), signRS256(t, key, "kid-1", c))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Username != "user-123" {
		t.Fatalf("expected subject as username, got %q", p.Username)
	}
}

func TestJWKSRefetchesOnUnknownKid(t *testing.T) {
	v, ks, key := newJWKS(t)
	if _, err := v.Validate(context.Background(), signRS256(t, key, "kid-1", validClaims())); err != nil {
		t.Fatalf("validate: %v", err)
	}
	fetched := ks.count()
	rotated := generateKey(t)
	ks.set("kid-2", &rotated.PublicKey)
	p, err := v.Validate(context.Background(), signRS256(t, rotated, "kid-2", validClaims()))
	if err != nil {
		t.Fatalf("validate rotated: %v", err)
	}
	if p.Username != "alice" || ks.count() != fetched+1 {
		t.Fatalf("expected one refetch for new kid, fetches=%d after %d", ks.count(), fetched)
	}
}

func TestJWKSRateLimitsUnknownKidRefetch(t *testing.T) {
	v, ks, key := newJWKS(t)
	if _, err := v.Validate(context.Background(), signRS256(t, key, "kid-1", validClaims())); err != nil {
		t.Fatalf("validate: %v", err)
	}
	fetched := ks.count()

	var tokens []string
	for i := 0; i < 8; i++ {
		tokens = append(tokens, signRS256(t, key, "rogue-"+string(rune('a'+i)), validClaims()))
	}

	started := time.Now()
	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Validate(context.Background(), tok); !IsRejected(err) {
				t.Errorf("expected unknown kid to be rejected, got %v", err)
			}
		}()
	}
	// Known keys keep validating while unknown ones are turned away.
	if _, err := v.Validate(context.Background(), signRS256(t, key, "kid-1", validClaims())); err != nil {
		t.Fatalf("validate during unknown kid burst: %v", err)
	}
	wg.Wait()

	if ks.count() > fetched+1 {
		t.Fatalf("expected at most one refetch for unknown kids, got %d", ks.count()-fetched)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("expected unknown kids to be rejected promptly, took %v", elapsed)
	}
}

func TestJWKSRejects(t *testing.T) {
	v, _, key := newJWKS(t)
	other := generateKey(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	wrongAud := validClaims()
	wrongAud["aud"] = "someone-else"
	noExp := validClaims()
	delete(noExp, "exp")

	cases := map[string]string{
		"expired":        signRS256(t, key, "kid-1", expired),
		"wrong audience": signRS256(t, key, "kid-1", wrongAud),
		"missing exp":    signRS256(t, key, "kid-1", noExp),
		"wrong key":      signRS256(t, other, "kid-1", validClaims()),
		"unknown kid":    signRS256(t, key, "kid-9", validClaims()),
		"garbage":        "not-a-token",
		"empty":          "Bearer ",
	}
	for name, token := range cases {
		_, err := v.Validate(context.Background(), token)
		if err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
		if !IsRejected(err) || protocol.KindOf(err) != protocol.KindAuthRejected {
			t.Fatalf("%s: expected auth rejection kind, got %v", name, err)
		}
	}
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator([]byte("s3cret"), "speech")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	signed, err := tok.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Validate(context.Background(), "bearer "+signed)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Username != "alice" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("wrong"))
	if _, err := v.Validate(context.Background(), forged); !IsRejected(err) {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}
}

func TestStaticValidator(t *testing.T) {
	v := NewStaticValidator(map[string]string{"abc": "bob"})
	p, err := v.Validate(context.Background(), "Bearer abc")
	if err != nil || p.Username != "bob" {
		t.Fatalf("unexpected result: %+v %v", p, err)
	}
	if _, err := v.Validate(context.Background(), "abd"); !IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	v, err := FromConfig(t.Context(), config.AuthConfig{Mode: "disabled"}, newLogger())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	p, err := v.Validate(context.Background(), "")
	if err != nil || p.Username != TestUsername {
		t.Fatalf("expected test user, got %+v %v", p, err)
	}

	v, err = FromConfig(t.Context(), config.AuthConfig{Mode: "jwks", IssuerURL: "http://kc/", Realm: "home", CacheTTL: 1000, TimeoutMS: 1000}, newLogger())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	jv, ok := v.(*JWKSValidator)
	if !ok || jv.url != "http://kc/realms/home/protocol/openid-connect/certs" || jv.ttl != time.Second {
		t.Fatalf("unexpected jwks validator: %+v", v)
	}

	if _, err := FromConfig(t.Context(), config.AuthConfig{Mode: "nope"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
