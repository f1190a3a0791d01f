package control

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

const (
	TokenIssuer = "plugin-lifecycle"

	subjectKey = "subject"
)

// IssueToken signs an HS256 bearer token for the admin API. A zero ttl
// issues a token that never expires.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.NewValidationError("token secret is required", nil)
	}
	if subject == "" {
		return "", errors.NewValidationError("token subject is required", nil)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.NewInternalError("failed to sign token", err)
	}
	return signed, nil
}

// ParseToken verifies a bearer token and returns its subject
func ParseToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(TokenIssuer))
	if err != nil {
		return "", errors.NewPermissionError("invalid token", err)
	}
	if claims.Subject == "" {
		return "", errors.NewPermissionError("token has no subject", nil)
	}
	return claims.Subject, nil
}

func requireToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		subject, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(subjectKey, subject)
		c.Next()
	}
}

// requester names the caller of a request, "admin-api" when unauthenticated
func requester(c *gin.Context) string {
	if subject := c.GetString(subjectKey); subject != "" {
		return subject
	}
	return "admin-api"
}
