package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
)

// UserIDKey is the gin context key carrying the authenticated caller's id.
const UserIDKey = "user_id"

// Authentication validates the bearer token and injects the caller's user
// id into the request context. Tokens are HMAC-signed with the configured
// secret; the subject claim is the user id.
func Authentication(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, apperrors.Unauthorized("authorization header required"))
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, apperrors.Unauthorized("invalid authorization format"))
			return
		}

		userID, err := parseUserID(parts[1], cfg)
		if err != nil {
			abortWithError(c, apperrors.Unauthorized("invalid token"))
			return
		}

		c.Set(UserIDKey, userID.String())
		c.Next()
	}
}

func parseUserID(tokenString string, cfg config.JWTConfig) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	if !token.Valid {
		return uuid.Nil, jwt.ErrTokenUnverifiable
	}

	return uuid.Parse(claims.Subject)
}
