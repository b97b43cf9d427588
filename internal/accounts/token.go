package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	tokenAudience   = "relaychat"
	serviceTokenTTL = time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify an account inside one workspace. Service tokens carry the
// system account.
type Claims struct {
	Account   string   `json:"account"`
	Workspace string   `json:"workspace"`
	SocialIDs []string `json:"socialIds,omitempty"`
	Role      string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AccountOf converts verified claims into the session account.
func (c *Claims) AccountOf() relaychat.Account {
	return relaychat.Account{UUID: c.Account, SocialIDs: c.SocialIDs, Role: c.Role}
}

func GenerateToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: token secret is required", relaychat.ErrInvalidInput)
	}
	now := time.Now()
	claims.Audience = jwt.ClaimStrings{tokenAudience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and, when workspace is set, that it
// was issued for that workspace.
func ParseToken(secret, raw, workspace string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithAudience(tokenAudience))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Account == "" {
		return nil, fmt.Errorf("%w: missing account claim", ErrInvalidToken)
	}
	if workspace != "" && claims.Workspace != workspace {
		return nil, fmt.Errorf("%w: workspace mismatch", ErrInvalidToken)
	}
	return claims, nil
}

// ServiceTokens returns a provider of system account tokens for outgoing
// calls. Tokens are reused until shortly before they expire.
func ServiceTokens(secret, workspace string) func(ctx context.Context) (string, error) {
	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Until(expires) > serviceTokenTTL/10 {
			return token, nil
		}
		next, err := GenerateToken(secret, Claims{Account: relaychat.SystemAccount, Workspace: workspace}, serviceTokenTTL)
		if err != nil {
			return "", err
		}
		token = next
		expires = time.Now().Add(serviceTokenTTL)
		return token, nil
	}
}
