package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/config"
)

const AccountIDKey = "account_id"

// ErrUnauthorized is returned by Verify for any rejected token.
var ErrUnauthorized = errors.New("unauthorized")

// LoginValidator confirms a token's login id is still current.
type LoginValidator interface {
	ValidLogin(ctx context.Context, accountID int64, loginID string) (bool, error)
}

// SessionKey is the cache key recording a live session for token.
func SessionKey(token string) string {
	return "session:" + token
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// Verify checks token's signature, its cached session and, when logins is
// non-nil, that its login id is current.
func Verify(ctx context.Context, sec config.SecurityConfig, c cache.Cache, logins LoginValidator, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, ErrUnauthorized
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	exists, err := c.Exists(cacheCtx, SessionKey(token))
	if err != nil || !exists {
		return nil, ErrUnauthorized
	}
	if logins != nil {
		ok, err := logins.ValidLogin(ctx, claims.AccountID, claims.LoginID)
		if err != nil {
			return nil, err
		}
		if !ok {
			_ = c.Del(cacheCtx, SessionKey(token))
			return nil, ErrUnauthorized
		}
	}
	return claims, nil
}

// Auth validates the Bearer JWT token and checks the session cache.
func Auth(sec config.SecurityConfig, c cache.Cache, logins LoginValidator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := BearerToken(ctx)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := Verify(ctx.Request.Context(), sec, c, logins, token)
		if errors.Is(err, ErrUnauthorized) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		ctx.Set(AccountIDKey, claims.AccountID)
		ctx.Next()
	}
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	if v, exists := c.Get(AccountIDKey); exists {
		return v.(int64)
	}
	return 0
}
