package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

// TokenQueryParam carries the token where headers cannot be set, e.g. a
// browser opening the control websocket.
const TokenQueryParam = "access_token"

// GenerateToken issues a token for subject, typically a kiosk or user name.
func GenerateToken(subject string, cfg *config.AuthConfig) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(cfg.TokenExpireHours) * time.Hour)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// AuthMiddleware requires a valid bearer token when auth is configured and
// lets everything through otherwise.
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	if !cfg.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "Authorization header required")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid || claims.Subject == "" {
			unauthorized(c, "Invalid or expired token")
			return
		}

		// The token is for this proxy only and must not reach the analysis service.
		c.Request.Header.Del("Authorization")
		if q := c.Request.URL.Query(); q.Has(TokenQueryParam) {
			q.Del(TokenQueryParam)
			c.Request.URL.RawQuery = q.Encode()
		}

		c.Set(string(logger.SubjectKey), claims.Subject)
		ctx := context.WithValue(c.Request.Context(), logger.SubjectKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query(TokenQueryParam)
		return token, token != ""
	}

	// Extract token from "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(c *gin.Context, message string) {
	abortFailed(c, http.StatusUnauthorized, model.KindUnauthorized, message)
}

// GetSubject gets the token subject from context
func GetSubject(c *gin.Context) string {
	return c.GetString(string(logger.SubjectKey))
}
