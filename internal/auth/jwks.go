package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	defaultJWKSTTL = time.Hour
	// A token naming a kid missing from the cached set triggers at most one
	// refetch per unknownKIDInterval across all sessions.
	unknownKIDInterval = 5 * time.Minute
	unknownKIDWait     = time.Second
)

// JWKSValidator verifies RS256 tokens against a remote key set. The set is
// refreshed in the background every ttl until ctx ends.
type JWKSValidator struct {
	url      string
	audience string
	ttl      time.Duration
	keys     keyfunc.Keyfunc
	now      func() time.Time
}

func NewJWKSValidator(ctx context.Context, url, audience string, ttl time.Duration, client *http.Client, log *slog.Logger) (*JWKSValidator, error) {
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	keys, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{url}, keyfunc.Override{
		Client:            client,
		HTTPTimeout:       client.Timeout,
		RefreshInterval:   ttl,
		RateLimitWaitMax:  unknownKIDWait,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKIDInterval), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("jwks %s: %w", url, err)
	}
	log.Debug("jwks configured", slog.String("component", "jwks"), slog.String("url", url), slog.Duration("ttl", ttl))
	return &JWKSValidator{
		url:      url,
		audience: audience,
		ttl:      ttl,
		keys:     keys,
		now:      time.Now,
	}, nil
}

func (v *JWKSValidator) Validate(ctx context.Context, token string) (Principal, error) {
	token = protocol.StripBearer(token)
	if token == "" {
		return Principal{}, reject("missing token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var c claims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, &c, v.keys.KeyfuncCtx(ctx)); err != nil {
		return Principal{}, reject("token validation failed: %w", err)
	}
	return c.principal()
}
