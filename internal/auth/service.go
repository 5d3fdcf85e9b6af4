package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Service issues and verifies the bearer tokens that identify gateway
// callers as member identities. It stands in for msg.sender: the engine
// trusts whatever identity the verified claims carry.
type Service struct {
	secret string
	issuer string
}

// Claims carried by an access token
type Claims struct {
	Member uuid.UUID `json:"member"`
	jwt.RegisteredClaims
}

// NewService creates an auth service with an HS256 signing secret
func NewService(secret, issuer string) *Service {
	return &Service{
		secret: secret,
		issuer: issuer,
	}
}

// IssueToken signs a token identifying the member for the given lifetime
func (s *Service) IssueToken(member uuid.UUID, ttl time.Duration) (string, error) {
	claims := &Claims{
		Member: member,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

// VerifyToken validates a bearer token and returns its claims
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	// Remove "Bearer " prefix if present
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Member == uuid.Nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
