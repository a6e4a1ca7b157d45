package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
)

// ErrInvalidToken возвращается для любого токена, который не удалось проверить.
var ErrInvalidToken = errors.New("токен невалиден")

// ActorClaims переносит участника операции: sub хранит кошелёк.
type ActorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager отвечает за выпуск и проверку JWT.
type TokenManager struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenManager создаёт менеджер токенов.
func NewTokenManager(secret string, accessTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	m.now = now
	return m
}

// Issue выпускает access токен для участника.
func (m *TokenManager) Issue(actor vo.Actor) (string, time.Time, error) {
	if _, err := vo.NewActor(actor.Role, actor.Wallet); err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	exp := now.Add(m.accessTTL)
	claims := ActorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.Wallet,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("не удалось подписать токен: %w", err)
	}
	return signed, exp, nil
}

// ParseAccess проверяет подпись и срок и возвращает участника.
func (m *TokenManager) ParseAccess(token string) (vo.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &ActorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return vo.Actor{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*ActorClaims)
	if !ok {
		return vo.Actor{}, ErrInvalidToken
	}

	actor, err := vo.NewActor(vo.Role(claims.Role), claims.Subject)
	if err != nil {
		return vo.Actor{}, ErrInvalidToken
	}
	return actor, nil
}
