package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"homeservices-realtime/internal/model"
)

// ErrInvalidCredential is returned for malformed, expired or forged tokens.
var ErrInvalidCredential = errors.New("invalid or expired credential")

// Verifier turns a credential token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

// JWTVerifier verifies HS256 tokens carrying "sub" and "role" claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (model.Identity, error) {
	if tokenString == "" {
		return model.Identity{}, ErrInvalidCredential
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return model.Identity{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return model.Identity{}, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	id := model.Identity{ID: sub, Role: model.Role(role)}
	if id.ID == "" || !id.Role.Valid() {
		return model.Identity{}, ErrInvalidCredential
	}
	return id, nil
}

// Sign issues a token for id valid for ttl.
func (v *JWTVerifier) Sign(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign realtime token: %w", err)
	}
	return signed, nil
}
