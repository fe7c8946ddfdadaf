package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	obscontext "github.com/signalworks/insight/internal/observability/context"
	"github.com/signalworks/insight/internal/tier"
)

const (
	contextAccountKey = "account"
	adminKeyHeader    = "X-Admin-Key"

	// Auth lookups are cached briefly so the hot path does not hit the
	// accounts table on every request. Tier changes land within this
	// horizon.
	accountCacheTTL = 30 * time.Second
)

type identityClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// AuthRequired verifies the bearer token from the identity collaborator
// and resolves (or bootstraps) the caller's credit account.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.parseToken(parts[1])
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		account, err := s.resolveAccount(c.Request.Context(), subject, claims.Tier)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		ctx = obscontext.WithAccountID(ctx, account.ID.String())
		ctx = obscontext.WithActor(ctx, "user", subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAccountKey, account)
		c.Next()
	}
}

func (s *Server) parseToken(raw string) (*identityClaims, error) {
	claims := &identityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// resolveAccount returns the caller's account, creating it on first sight
// with the tier claimed by the identity token (free when absent).
func (s *Server) resolveAccount(ctx context.Context, subject, tierClaim string) (*creditdomain.Account, error) {
	if cached, ok := s.accountCache.Get(subject); ok {
		return cached, nil
	}

	t := tier.TierFree
	if tierClaim != "" {
		parsed, err := tier.Parse(tierClaim)
		if err == nil {
			t = parsed
		}
	}

	account, err := s.creditSvc.EnsureAccount(ctx, subject, t)
	if err != nil {
		return nil, err
	}
	s.accountCache.Set(subject, account, accountCacheTTL)
	return account, nil
}

func (s *Server) accountFromContext(c *gin.Context) (*creditdomain.Account, bool) {
	raw, ok := c.Get(contextAccountKey)
	if !ok {
		return nil, false
	}
	account, ok := raw.(*creditdomain.Account)
	return account, ok
}

// AdminKeyRequired authenticates operator requests with the static admin
// key, compared in constant time against its sha256 digest.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	expected := sha256.Sum256([]byte(s.cfg.AdminAPIKey))
	configured := strings.TrimSpace(s.cfg.AdminAPIKey) != ""

	return func(c *gin.Context) {
		if !configured {
			AbortWithError(c, ErrForbidden)
			return
		}
		given := strings.TrimSpace(c.GetHeader(adminKeyHeader))
		if given == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		digest := sha256.Sum256([]byte(given))
		if subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "admin", "api_key")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimit rejects callers that exceed the per-account request allowance.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := s.accountFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		allowed, retryAfter := s.limiter.Allow(account.ID.String())
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			AbortWithError(c, rateLimitError(seconds))
			return
		}
		c.Next()
	}
}
