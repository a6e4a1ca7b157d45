package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
)

const testSecret = "test-secret-with-at-least-32-characters"

func TestTokenManager_IssueAndParse(t *testing.T) {
	tm := NewTokenManager(testSecret, 15*time.Minute)

	token, exp, err := tm.Issue(vo.Actor{Role: vo.RoleClient, Wallet: "0xClient"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, time.Minute)

	actor, err := tm.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, vo.RoleClient, actor.Role)
	assert.Equal(t, "0xClient", actor.Wallet)
}

func TestTokenManager_RejectsExpired(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tm := NewTokenManager(testSecret, time.Minute).WithClock(func() time.Time { return issuedAt })

	token, _, err := tm.Issue(vo.Actor{Role: vo.RoleAgent, Wallet: "0xagent"})
	require.NoError(t, err)

	tm.WithClock(func() time.Time { return issuedAt.Add(2 * time.Minute) })
	_, err = tm.ParseAccess(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_RejectsForeignSecret(t *testing.T) {
	token, _, err := NewTokenManager("another-secret-another-secret-0000", time.Minute).
		Issue(vo.Actor{Role: vo.RoleAdmin})
	require.NoError(t, err)

	_, err = NewTokenManager(testSecret, time.Minute).ParseAccess(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_RejectsUnknownRole(t *testing.T) {
	claims := ActorClaims{
		Role: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "0xabc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewTokenManager(testSecret, time.Minute).ParseAccess(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_IssueRequiresWalletForClient(t *testing.T) {
	_, _, err := NewTokenManager(testSecret, time.Minute).Issue(vo.Actor{Role: vo.RoleClient})
	assert.Error(t, err)
}
