// Package auth превращает учётные данные запроса в принципала.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

var (
	// ErrUnauthenticated: учётные данные отсутствуют или недействительны.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrExpiredToken    = fmt.Errorf("%w: token has expired", ErrUnauthenticated)
)

// Claims описывает полезную нагрузку токена: sub хранит id пользователя, role его роль.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier проверяет HS256-токены с общим секретом.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier создаёт верификатор. Пустой issuer не проверяется.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Issue подписывает токен для пользователя. Используется в тестах и служебных утилитах.
func (v *JWTVerifier) Issue(userID int64, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify разбирает токен и возвращает принципала.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (domain.Principal, error) {
	raw := strings.TrimSpace(credential)
	if raw == "" {
		return domain.Principal{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Principal{}, ErrExpiredToken
		}
		return domain.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return domain.Principal{}, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	role := claims.Role
	if role == "" {
		role = domain.RoleCustomer
	}
	if role != domain.RoleCustomer && role != domain.RoleAdmin {
		return domain.Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return domain.Principal{UserID: userID, Role: role}, nil
}

// StaticVerifier: фиксированная таблица токен → принципал.
type StaticVerifier map[string]domain.Principal

func (s StaticVerifier) Verify(_ context.Context, credential string) (domain.Principal, error) {
	principal, ok := s[strings.TrimSpace(credential)]
	if !ok {
		return domain.Principal{}, ErrUnauthenticated
	}
	return principal, nil
}

var (
	_ domain.CredentialVerifier = (*JWTVerifier)(nil)
	_ domain.CredentialVerifier = StaticVerifier(nil)
)
