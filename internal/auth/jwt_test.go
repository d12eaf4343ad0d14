package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "rms")

	token, err := v.Issue(42, domain.RoleAdmin, time.Hour)
	require.NoError(t, err)

	principal, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.Principal{UserID: 42, Role: domain.RoleAdmin}, principal)
	assert.True(t, principal.IsAdmin())
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := NewJWTVerifier("secret", "rms")
	expired, err := v.Issue(1, domain.RoleCustomer, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewJWTVerifier("other", "rms").Issue(1, domain.RoleCustomer, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := NewJWTVerifier("secret", "elsewhere").Issue(1, domain.RoleCustomer, time.Hour)
	require.NoError(t, err)
	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "root",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", Issuer: "rms"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "rms"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "", wantErr: ErrUnauthenticated},
		{name: "garbage", token: "not-a-jwt", wantErr: ErrInvalidToken},
		{name: "expired", token: expired, wantErr: ErrExpiredToken},
		{name: "foreign secret", token: foreign, wantErr: ErrInvalidToken},
		{name: "wrong issuer", token: wrongIssuer, wantErr: ErrInvalidToken},
		{name: "unknown role", token: badRole, wantErr: ErrInvalidToken},
		{name: "non-numeric subject", token: badSubject, wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestJWTVerifier_DefaultRoleIsCustomer(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "9"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	principal, err := v.Verify(context.Background(), token)

	require.NoError(t, err)
	assert.Equal(t, domain.RoleCustomer, principal.Role)
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{"admin-token": {UserID: 1, Role: domain.RoleAdmin}}

	principal, err := v.Verify(context.Background(), " admin-token ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), principal.UserID)

	_, err = v.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
