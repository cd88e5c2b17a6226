package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"workescrow/crypto"
	"workescrow/observability/logging"
)

// AuthConfig controls bearer token verification. The token subject must be
// the caller's bech32 party address.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   []string
	ClockSkew  time.Duration
}

type contextKey string

const (
	ContextKeyCaller    contextKey = "gateway.caller"
	ContextKeyRequestID contextKey = "gateway.request_id"
)

var (
	errMissingSecret  = errors.New("auth secret not configured")
	errInvalidSubject = errors.New("subject is not a party address")
)

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		caller, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Debug("token validation failed",
				slog.String("component", "gateway"),
				logging.MaskField("token", tokenString),
				slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithCaller(r.Context(), caller)))
	})
}

// Verify validates the token signature and registered claims and returns the
// caller address carried in the subject.
func (a *Authenticator) Verify(tokenString string) ([20]byte, error) {
	if len(a.secret) == 0 {
		return [20]byte{}, errMissingSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return [20]byte{}, err
	}
	if !token.Valid {
		return [20]byte{}, errors.New("token invalid")
	}
	if err := validateAudience(claims.Audience, a.cfg.Audience); err != nil {
		return [20]byte{}, err
	}
	caller, err := crypto.ParseParty(strings.TrimSpace(claims.Subject))
	if err != nil {
		return [20]byte{}, errInvalidSubject
	}
	return caller, nil
}

// validateAudience accepts the token when any configured audience matches.
func validateAudience(got jwt.ClaimStrings, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, want := range allowed {
		for _, aud := range got {
			if aud == want {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

// CallerFromContext returns the authenticated caller.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).([20]byte)
	return caller, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func contextWithCaller(ctx context.Context, caller [20]byte) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}
