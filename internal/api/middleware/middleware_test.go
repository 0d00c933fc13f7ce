package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

const testSecret = "unit-test-jwt-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func jwtConfig() config.JWTConfig {
	return config.JWTConfig{Secret: testSecret, Issuer: "portfolio_tracker"}
}

func signedToken(t *testing.T, secret string, mutate func(*jwt.RegisteredClaims)) string {
	claims := &jwt.RegisteredClaims{
		Subject:   uuid.New().String(),
		Issuer:    "portfolio_tracker",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) entities.ErrorEnvelope {
	var envelope entities.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func authRouter(cfg config.JWTConfig) (*gin.Engine, *string) {
	var seenUserID string
	r := gin.New()
	r.Use(Authentication(cfg))
	r.GET("/probe", func(c *gin.Context) {
		seenUserID = c.GetString(UserIDKey)
		c.Status(http.StatusOK)
	})
	return r, &seenUserID
}

func TestAuthenticationInjectsUserID(t *testing.T) {
	userID := uuid.New()
	token := signedToken(t, testSecret, func(claims *jwt.RegisteredClaims) {
		claims.Subject = userID.String()
	})

	r, seen := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), *seen)
}

func TestAuthenticationRejectsMissingHeader(t *testing.T) {
	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Error.Code)
}

func TestAuthenticationRejectsMalformedHeader(t *testing.T) {
	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Token abc123")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationRejectsWrongKey(t *testing.T) {
	token := signedToken(t, "some-other-secret", nil)

	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationRejectsExpiredToken(t *testing.T) {
	token := signedToken(t, testSecret, func(claims *jwt.RegisteredClaims) {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	})

	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationRejectsWrongIssuer(t *testing.T) {
	token := signedToken(t, testSecret, func(claims *jwt.RegisteredClaims) {
		claims.Issuer = "someone-else"
	})

	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationRejectsNonUUIDSubject(t *testing.T) {
	token := signedToken(t, testSecret, func(claims *jwt.RegisteredClaims) {
		claims.Subject = "not-a-uuid"
	})

	r, _ := authRouter(jwtConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDHonorsCallerValue(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Request-ID", "req-42")
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(2))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		r.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestRateLimitIsPerIP(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(1))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	reqA := httptest.NewRequest(http.MethodGet, "/probe", nil)
	reqA.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(first, reqA)

	second := httptest.NewRecorder()
	reqB := httptest.NewRequest(http.MethodGet, "/probe", nil)
	reqB.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(second, reqB)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.FromZap(zaptest.NewLogger(t))))
	r.GET("/probe", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w).Error.Code)
}

func TestSecurityHeadersPresent(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORSPreflightAndOriginScoping(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/probe", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(preflight, req)
	assert.Equal(t, http.StatusOK, preflight.Code)
	assert.Equal(t, "https://app.example.com", preflight.Header().Get("Access-Control-Allow-Origin"))

	foreign := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(foreign, req)
	assert.Empty(t, foreign.Header().Get("Access-Control-Allow-Origin"))
}
