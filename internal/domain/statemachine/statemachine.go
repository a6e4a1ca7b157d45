// Package statemachine решает, допустим ли переход заказа. Пакет не делает I/O.
package statemachine

import (
	"errors"
	"fmt"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

type transitionKey struct {
	from   vo.OrderStatus
	action vo.Action
}

type rule struct {
	roles []vo.Role
	to    vo.OrderStatus
}

var table = map[transitionKey]rule{
	{vo.OrderStatusPending, vo.ActionPay}:               {roles: []vo.Role{vo.RoleSystem}, to: vo.OrderStatusPaid},
	{vo.OrderStatusPaid, vo.ActionStartWork}:            {roles: []vo.Role{vo.RoleAgent}, to: vo.OrderStatusInProgress},
	{vo.OrderStatusInProgress, vo.ActionDeliver}:        {roles: []vo.Role{vo.RoleAgent}, to: vo.OrderStatusDelivered},
	{vo.OrderStatusDelivered, vo.ActionRequestRevision}: {roles: []vo.Role{vo.RoleClient}, to: vo.OrderStatusRevisionRequested},
	{vo.OrderStatusRevisionRequested, vo.ActionDeliver}: {roles: []vo.Role{vo.RoleAgent}, to: vo.OrderStatusDelivered},
	{vo.OrderStatusDelivered, vo.ActionAccept}:          {roles: []vo.Role{vo.RoleClient}, to: vo.OrderStatusCompleted},
	{vo.OrderStatusDelivered, vo.ActionDispute}:         {roles: []vo.Role{vo.RoleClient}, to: vo.OrderStatusDisputed},
	{vo.OrderStatusRevisionRequested, vo.ActionDispute}: {roles: []vo.Role{vo.RoleClient}, to: vo.OrderStatusDisputed},
	{vo.OrderStatusPending, vo.ActionCancel}:            {roles: []vo.Role{vo.RoleClient, vo.RoleSystem}, to: vo.OrderStatusCancelled},
	{vo.OrderStatusPaid, vo.ActionCancel}:               {roles: []vo.Role{vo.RoleClient, vo.RoleSystem}, to: vo.OrderStatusCancelled},
	{vo.OrderStatusDisputed, vo.ActionResolve}:          {roles: []vo.Role{vo.RoleAdmin, vo.RoleSystem}},
}

// RejectionError описывает недопустимую комбинацию статуса, действия и роли.
type RejectionError struct {
	Current vo.OrderStatus
	Action  vo.Action
	Role    vo.Role
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("переход запрещён: статус %q, действие %q, роль %q: %s", e.Current, e.Action, e.Role, e.Reason)
}

// Decide возвращает следующий статус заказа или *RejectionError, обёрнутый в
// CONFLICT. Для resolve итог задаётся решением спора: pay_seller и split ведут
// в completed, refund_buyer в cancelled.
func Decide(current vo.OrderStatus, action vo.Action, role vo.Role, outcome ...vo.Resolution) (vo.OrderStatus, error) {
	r, ok := table[transitionKey{current, action}]
	if !ok {
		return "", reject(current, action, role, "действие недоступно в текущем статусе")
	}
	if !roleAllowed(r.roles, role) {
		return "", reject(current, action, role, "роль не может выполнить действие")
	}

	if action != vo.ActionResolve {
		return r.to, nil
	}

	if len(outcome) != 1 {
		return "", reject(current, action, role, "для resolve нужно ровно одно решение")
	}
	if next, ok := ResolvedStatus(outcome[0]); ok {
		return next, nil
	}
	return "", reject(current, action, role, fmt.Sprintf("неизвестное решение %q", outcome[0]))
}

// ResolvedStatus: статус заказа, в который его переводит решение спора.
func ResolvedStatus(outcome vo.Resolution) (vo.OrderStatus, bool) {
	switch outcome {
	case vo.ResolutionPaySeller, vo.ResolutionSplit:
		return vo.OrderStatusCompleted, true
	case vo.ResolutionRefundBuyer:
		return vo.OrderStatusCancelled, true
	}
	return "", false
}

// Allowed: удобная проверка без ошибки.
func Allowed(current vo.OrderStatus, action vo.Action, role vo.Role) bool {
	r, ok := table[transitionKey{current, action}]
	return ok && roleAllowed(r.roles, role)
}

// AsRejection достаёт RejectionError из цепочки ошибок.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func roleAllowed(roles []vo.Role, role vo.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func reject(current vo.OrderStatus, action vo.Action, role vo.Role, reason string) error {
	rej := &RejectionError{Current: current, Action: action, Role: role, Reason: reason}
	return apperror.Wrap(rej, apperror.ErrCodeConflict, rej.Error())
}
