package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	DefaultTokenTTL = 24 * time.Hour
	// DefaultRefreshGrace is how long after expiry a token may still be
	// exchanged for a fresh one.
	DefaultRefreshGrace = 7 * 24 * time.Hour
)

// JoinClaims identify one participant of one room. SessionID is fresh for
// every join.
type JoinClaims struct {
	Room      string
	Name      string
	SessionID string
	ExpiresAt time.Time
}

type TokenService struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

type TokenOption func(*TokenService)

// WithRefreshGrace sets how long an expired token stays refreshable.
func WithRefreshGrace(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

func NewTokenService(secret string, ttl time.Duration, opts ...TokenOption) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	s := &TokenService{secret: []byte(secret), ttl: ttl, grace: DefaultRefreshGrace, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue signs a join token. An empty sessionID starts a new session.
func (s *TokenService) Issue(room, name, sessionID string) (string, *JoinClaims, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	jc := &JoinClaims{
		Room:      room,
		Name:      name,
		SessionID: sessionID,
		ExpiresAt: s.now().Add(s.ttl).Truncate(time.Second),
	}
	claims := jwt.MapClaims{
		"room": room,
		"name": name,
		"sid":  sessionID,
		"exp":  jc.ExpiresAt.Unix(),
		"jti":  uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, jc, nil
}

func (s *TokenService) Validate(tokenString string) (*JoinClaims, error) {
	return s.parse(tokenString, 0)
}

// ValidateForRefresh accepts tokens up to the refresh grace past expiry.
// Only the refresh endpoint may use it.
func (s *TokenService) ValidateForRefresh(tokenString string) (*JoinClaims, error) {
	return s.parse(tokenString, s.grace)
}

func (s *TokenService) parse(tokenString string, leeway time.Duration) (*JoinClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired(), jwt.WithLeeway(leeway))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	room, _ := claims["room"].(string)
	name, _ := claims["name"].(string)
	sid, _ := claims["sid"].(string)
	if room == "" || name == "" || sid == "" {
		return nil, ErrInvalidToken
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	return &JoinClaims{Room: room, Name: name, SessionID: sid, ExpiresAt: exp.Time}, nil
}
