package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// maxJWTLen bounds the token before any base64 or JSON work is done.
const maxJWTLen = 24 * 1024

type sessionClaims struct {
	jwt.RegisteredClaims
	SID string `json:"sid"`
}

// JWTVerifier accepts HS256 tokens carrying exp, iat and a non-empty sid.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Verify checks token and returns its sid claim.
func (v JWTVerifier) Verify(token string) (string, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return "", ErrInvalidCredentials
	}

	now := v.now
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)

	var claims sessionClaims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrUnsupportedJWT
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnsupportedJWT) {
			return "", ErrUnsupportedJWT
		}
		return "", ErrInvalidCredentials
	}
	if claims.IssuedAt == nil || claims.SID == "" {
		return "", ErrInvalidCredentials
	}
	return claims.SID, nil
}
