// Package auth validates the bearer tokens clients present during the
// session handshake.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// TestUsername is the principal reported when validation is disabled.
const TestUsername = "test_user"

// Principal is the authenticated identity behind a session.
type Principal struct {
	Username string
	Subject  string
}

// Validator checks a bearer token. A rejected token yields an error of kind
// protocol.KindAuthRejected.
type Validator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// FromConfig builds the validator selected by cfg.Mode. Background key
// refreshes stop when ctx ends.
func FromConfig(ctx context.Context, cfg config.AuthConfig, log *slog.Logger) (Validator, error) {
	switch cfg.Mode {
	case "jwks":
		url := cfg.JWKSURL
		if url == "" {
			url = KeycloakCertsURL(cfg.IssuerURL, cfg.Realm)
		}
		ttl := time.Duration(cfg.CacheTTL) * time.Millisecond
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		return NewJWKSValidator(ctx, url, cfg.Audience, ttl, client, log)
	case "hmac":
		return NewHMACValidator([]byte(cfg.Secret), cfg.Audience), nil
	case "static":
		return NewStaticValidator(cfg.Tokens), nil
	case "disabled":
		log.Warn("token validation disabled; every session authenticates as " + TestUsername)
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// KeycloakCertsURL is the JWKS endpoint of a Keycloak realm.
func KeycloakCertsURL(issuer, realm string) string {
	return strings.TrimRight(issuer, "/") + "/realms/" + realm + "/protocol/openid-connect/certs"
}

func reject(format string, args ...any) error {
	return &protocol.Error{Kind: protocol.KindAuthRejected, Index: -1, Err: fmt.Errorf(format, args...)}
}

type claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

func (c *claims) principal() (Principal, error) {
	name := c.PreferredUsername
	if name == "" {
		name = c.Subject
	}
	if name == "" {
		return Principal{}, reject("token has neither preferred_username nor sub")
	}
	return Principal{Username: name, Subject: c.Subject}, nil
}

// HMACValidator accepts HS256/384/512 tokens signed with a shared secret.
type HMACValidator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewHMACValidator(secret []byte, audience string) *HMACValidator {
	return &HMACValidator{secret: secret, audience: audience, now: time.Now}
}

func (v *HMACValidator) Validate(_ context.Context, token string) (Principal, error) {
	token = protocol.StripBearer(token)
	if token == "" {
		return Principal{}, reject("missing token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var c claims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Principal{}, reject("token validation failed: %w", err)
	}
	return c.principal()
}

// StaticValidator maps opaque tokens to usernames.
type StaticValidator struct {
	tokens map[string]string
}

func NewStaticValidator(tokens map[string]string) *StaticValidator {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticValidator{tokens: copied}
}

func (v *StaticValidator) Validate(_ context.Context, token string) (Principal, error) {
	token = protocol.StripBearer(token)
	if token == "" {
		return Principal{}, reject("missing token")
	}
	for known, user := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return Principal{Username: user, Subject: user}, nil
		}
	}
	return Principal{}, reject("unknown token")
}

// Disabled accepts any token.
type Disabled struct{}

func (Disabled) Validate(context.Context, string) (Principal, error) {
	return Principal{Username: TestUsername, Subject: TestUsername}, nil
}

// IsRejected reports whether err is an authentication rejection.
func IsRejected(err error) bool {
	return errors.Is(err, protocol.ErrAuthRejected)
}
