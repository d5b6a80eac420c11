package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	// tokenQueryParam lets browser websocket clients authenticate; the
	// browser API cannot set request headers on the upgrade.
	tokenQueryParam = "token"

	identityKey = "user_id"
)

// Claims is the only supported token shape for the relay.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
}

// AuthManager issues and verifies the bearer tokens the relay accepts.
type AuthManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewAuthManager creates a manager from the relay config.
func NewAuthManager(cfg *Config) (*AuthManager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &AuthManager{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		ttl:      cfg.TokenTTL,
	}, nil
}

// Issue signs a token identifying userID.
func (m *AuthManager) Issue(now time.Time, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

// Verify parses and validates a token, returning its claims.
func (m *AuthManager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}

	if claims.UserID == "" {
		return Claims{}, errors.New("user_id missing")
	}
	return claims, nil
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}

// RequireToken verifies the bearer token and stores the caller identity on
// the gin context. The token is read from the Authorization header, or from
// the token query parameter for websocket upgrades.
func RequireToken(m *AuthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := ""
		if raw := strings.TrimSpace(c.GetHeader(authorizationHeader)); strings.HasPrefix(raw, bearerPrefix) {
			tok = strings.TrimPrefix(raw, bearerPrefix)
		} else if q := c.Query(tokenQueryParam); q != "" {
			tok = q
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityKey, claims.UserID)
		c.Next()
	}
}

// identityFrom returns the authenticated user id stored by RequireToken.
func identityFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
