// Package opauth issues and verifies operator session tokens. Tokens are
// HS256 JWTs minted only in exchange for the static operator secret; there
// is no account system behind them.
package opauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role values carried in operator tokens.
const (
	RoleOperator = "operator" // scans, blocks, reputation reads
	RoleAdmin    = "admin"    // operator plus power actions
)

const ctxClaims = "shield_operator_claims"

// ErrBadSecret is returned when the presented operator secret does not match.
var ErrBadSecret = errors.New("operator secret mismatch")

// Claims are the JWT claims of an operator session token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issuer mints and verifies operator tokens against a shared signing key.
type Issuer struct {
	signingKey     []byte
	operatorSecret string
	adminSecret    string
	issuer         string
	ttl            time.Duration
}

// NewIssuer creates an Issuer.
//
//	signingKey     — HMAC key for token signatures.
//	operatorSecret — exchanged for RoleOperator tokens.
//	adminSecret    — exchanged for RoleAdmin tokens; empty disables admin login.
func NewIssuer(signingKey []byte, operatorSecret, adminSecret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &Issuer{
		signingKey:     signingKey,
		operatorSecret: operatorSecret,
		adminSecret:    adminSecret,
		issuer:         "autoshield",
		ttl:            ttl,
	}
}

// Login exchanges the static secret for a signed session token. The secret
// decides the role; comparison is constant-time.
func (i *Issuer) Login(secret string) (string, string, error) {
	role := ""
	if i.adminSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(i.adminSecret)) == 1 {
		role = RoleAdmin
	} else if i.operatorSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(i.operatorSecret)) == 1 {
		role = RoleOperator
	}
	if role == "" {
		return "", "", ErrBadSecret
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   role,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, role, nil
}

// Verify parses and validates a session token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.signingKey, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid operator token claims")
	}
	if claims.Role != RoleOperator && claims.Role != RoleAdmin {
		return nil, errors.New("not an operator session token")
	}
	return claims, nil
}

// Require returns a Gin middleware that enforces a valid operator Bearer
// token. role is the minimum role; RoleAdmin tokens pass RoleOperator checks.
func Require(tokens *Issuer, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer operator token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid operator token: " + err.Error(),
			})
			return
		}
		if role == RoleAdmin && claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin token required",
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// ClaimsFrom extracts the verified claims placed by Require.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
