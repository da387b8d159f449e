package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"collabCoord/backend/internal/entity"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims access token 载荷；sub 即 userId
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{
		UserID:      c.Subject,
		DisplayName: c.Username,
		Email:       c.Email,
		AvatarRef:   c.Avatar,
	}
}

// Signer HS256 签发/校验
type Signer struct {
	secret []byte
	clock  clockwork.Clock
}

func NewSigner(secret string, clock clockwork.Clock) *Signer {
	if secret == "" {
		secret = "dev-secret"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{secret: []byte(secret), clock: clock}
}

func (s *Signer) sign(id Identity, typ string, ttl time.Duration) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(ttl)
	// jwt.NewWithClaims接收指针作为参数
	claims := &Claims{
		Username: id.DisplayName,
		Type:     typ,
		Email:    id.Email,
		Avatar:   id.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func (s *Signer) SignAccessToken(id Identity, ttl time.Duration) (string, time.Time, error) {
	return s.sign(id, TokenTypeAccess, ttl)
}

func (s *Signer) SignRefreshToken(id Identity, ttl time.Duration) (string, time.Time, error) {
	return s.sign(id, TokenTypeRefresh, ttl)
}

// ParseToken 解析任意 token（访问/刷新）
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ParseAccessToken 只接受 access token，且必须带 sub
func (s *Signer) ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrAuthentication, err)
	}
	if claims.Type != TokenTypeAccess {
		return nil, fmt.Errorf("%w: access token required", entity.ErrAuthentication)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", entity.ErrAuthentication)
	}
	return claims, nil
}

// TokenProvider 由 access token 得到的身份；token 过期后同步自动关闭
type TokenProvider struct {
	claims          *Claims
	err             error
	storeConfigured bool
	clock           clockwork.Clock
}

var _ Provider = (*TokenProvider)(nil)

func (s *Signer) Provider(tokenString string, storeConfigured bool) *TokenProvider {
	p := &TokenProvider{storeConfigured: storeConfigured, clock: s.clock}
	if tokenString == "" {
		p.err = fmt.Errorf("%w: missing token", entity.ErrAuthentication)
		return p
	}
	p.claims, p.err = s.ParseAccessToken(tokenString)
	return p
}

func (p *TokenProvider) Current() (Identity, error) {
	if p.err != nil {
		return Identity{}, p.err
	}
	if p.expired() {
		return Identity{}, fmt.Errorf("%w: %v", entity.ErrAuthentication, jwt.ErrTokenExpired)
	}
	return p.claims.Identity(), nil
}

func (p *TokenProvider) SyncEnabled() bool {
	return p.err == nil && p.storeConfigured && !p.expired()
}

func (p *TokenProvider) expired() bool {
	if p.claims == nil || p.claims.ExpiresAt == nil {
		return false
	}
	return !p.clock.Now().Before(p.claims.ExpiresAt.Time)
}

// IsAuthError 便于 HTTP 层判断
func IsAuthError(err error) bool { return errors.Is(err, entity.ErrAuthentication) }
