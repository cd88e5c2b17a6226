package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workescrow/crypto"
)

const secret = "0123456789abcdef0123456789abcdef"

func party(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func sign(t *testing.T, method jwt.SigningMethod, key []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "escrow",
		Audience:  jwt.ClaimStrings{"gateway"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestAuthenticatorVerify(t *testing.T) {
	caller := party(0x42)
	auth := NewAuthenticator(AuthConfig{HMACSecret: secret, Issuer: "escrow", Audience: []string{"gateway"}}, nil)

	got, err := auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(crypto.FormatParty(caller))))
	require.NoError(t, err)
	require.Equal(t, caller, got)

	expired := validClaims(crypto.FormatParty(caller))
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), expired))
	require.Error(t, err)

	noExpiry := validClaims(crypto.FormatParty(caller))
	noExpiry.ExpiresAt = nil
	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), noExpiry))
	require.Error(t, err)

	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), validClaims(crypto.FormatParty(caller))))
	require.Error(t, err)

	wrongAudience := validClaims(crypto.FormatParty(caller))
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), wrongAudience))
	require.Error(t, err)

	wrongIssuer := validClaims(crypto.FormatParty(caller))
	wrongIssuer.Issuer = "someone-else"
	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), wrongIssuer))
	require.Error(t, err)

	_, err = auth.Verify(sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims("not-a-party")))
	require.ErrorIs(t, err, errInvalidSubject)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(crypto.FormatParty(caller))).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Verify(unsigned)
	require.Error(t, err)
}

func TestAuthenticatorWithoutSecret(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	_, err := auth.Verify("anything")
	require.ErrorIs(t, err, errMissingSecret)
}

func TestAuthMiddlewareStoresCaller(t *testing.T) {
	caller := party(0x42)
	auth := NewAuthenticator(AuthConfig{HMACSecret: secret}, nil)
	var seen [20]byte
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS384, []byte(secret), validClaims(crypto.FormatParty(caller))))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, caller, seen)

	for _, header := range []string{"", "Basic abc", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerSecond: 0.001, Burst: 2}, nil)
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.2"))
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerSecond: 1, Burst: 1}, nil)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a")
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("b")
	require.Len(t, limiter.visitors, 1)
	require.Contains(t, limiter.visitors, "b")
}

func TestClientIDPrefersCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	require.Equal(t, "192.0.2.1", clientID(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, "198.51.100.7", clientID(req))

	ctx := req.Context()
	req = req.WithContext(contextWithCaller(ctx, party(0x01)))
	require.Equal(t, "caller:"+crypto.FormatParty(party(0x01)), clientID(req))
}

func TestObservabilityAssignsRequestID(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{LogRequests: true}, nil)
	var fromCtx string
	handler := obs.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	generated := rec.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(generated)
	require.NoError(t, err)
	require.Equal(t, generated, fromCtx)

	supplied := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, supplied)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, supplied, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.NotEqual(t, "not-a-uuid", rec.Header().Get(RequestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
