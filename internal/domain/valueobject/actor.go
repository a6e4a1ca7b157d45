package valueobject

import (
	"strings"

	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// Actor: аутентифицированный участник операции. Строится один раз на границе
// (из JWT) и передаётся вниз без повторного разбора.
type Actor struct {
	Role   Role
	Wallet string
}

// NewActor проверяет роль и наличие кошелька у клиента и агента.
func NewActor(role Role, wallet string) (Actor, error) {
	if !role.IsValid() {
		return Actor{}, apperror.Newf(apperror.ErrCodeUnauthorized, "неизвестная роль %q", role)
	}
	wallet = strings.TrimSpace(wallet)
	if !role.Privileged() && wallet == "" {
		return Actor{}, apperror.New(apperror.ErrCodeUnauthorized, "для роли требуется кошелёк")
	}
	return Actor{Role: role, Wallet: wallet}, nil
}

// SystemActor используется фоновыми задачами (sweep, приём платежей).
func SystemActor() Actor {
	return Actor{Role: RoleSystem, Wallet: "system"}
}

// Owns сравнивает кошельки без учёта регистра (EVM адреса).
func (a Actor) Owns(wallet string) bool {
	return a.Wallet != "" && strings.EqualFold(a.Wallet, wallet)
}

func (a Actor) String() string {
	if a.Wallet == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.Wallet
}
