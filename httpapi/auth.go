// Package httpapi is the gin boundary of the task API: bearer token
// authentication backed by the token validation cache, per-tenant rate
// limiting, and the task routes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// Keys set on the gin context by TokenAuth
const (
	ContextTenantID  = "tenant_id"
	ContextTokenHash = "token_hash"
)

// Verifier checks a raw bearer token's signature and claims
type Verifier interface {
	Verify(raw string) (*models.ValidatedToken, error)
}

// Claims represents the JWT claims
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// HMACVerifier issues and verifies HS256 tokens
type HMACVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewHMACVerifier creates a verifier for tokens signed with secret
func NewHMACVerifier(secret []byte, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer, now: time.Now}
}

// Issue signs a token for tenantID that expires after lifetime
func (v *HMACVerifier) Issue(tenantID string, lifetime time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates a token and returns the cacheable outcome
func (v *HMACVerifier) Verify(raw string) (*models.ValidatedToken, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, errors.New("token has no tenant")
	}

	rawClaims, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}

	validated := &models.ValidatedToken{
		TenantID:  claims.TenantID,
		ExpiresAt: claims.ExpiresAt.Unix(),
		RawClaims: rawClaims,
	}
	if claims.IssuedAt != nil {
		validated.IssuedAt = claims.IssuedAt.Unix()
	}
	return validated, nil
}

// TokenAuth authenticates the bearer token. A cached validation skips the
// signature check; a miss verifies the token and caches the outcome.
func TokenAuth(tokens cache.TokenCache, verifier Verifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is required",
			})
			return
		}

		ctx := c.Request.Context()
		hash := cache.HashToken(raw)

		token, found := tokens.Lookup(ctx, hash)
		if !found {
			verified, err := verifier.Verify(raw)
			if err != nil {
				logger.Debug("token verification failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid or expired token",
				})
				return
			}
			token = verified
			tokens.Store(ctx, hash, token)
		}

		c.Set(ContextTenantID, token.TenantID)
		c.Set(ContextTokenHash, hash)
		c.Request = c.Request.WithContext(internal.WithTenant(ctx, token.TenantID))

		c.Next()
	}
}

// Logout drops the caller's cached validation. The token itself stays valid
// until it expires; the next request re-verifies it.
func Logout(tokens cache.TokenCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash := c.GetString(ContextTokenHash); hash != "" {
			tokens.Invalidate(c.Request.Context(), hash)
		}
		c.Status(http.StatusNoContent)
	}
}

func bearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
