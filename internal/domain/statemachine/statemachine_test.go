package statemachine_test

import (
	"testing"

	"github.com/ignatzorin/agent-escrow/internal/domain/statemachine"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type triple struct {
	from   vo.OrderStatus
	action vo.Action
	role   vo.Role
}

// legal: ожидаемая таблица переходов (resolve проверяется отдельно).
var legal = map[triple]vo.OrderStatus{
	{vo.OrderStatusPending, vo.ActionPay, vo.RoleSystem}:               vo.OrderStatusPaid,
	{vo.OrderStatusPaid, vo.ActionStartWork, vo.RoleAgent}:             vo.OrderStatusInProgress,
	{vo.OrderStatusInProgress, vo.ActionDeliver, vo.RoleAgent}:         vo.OrderStatusDelivered,
	{vo.OrderStatusDelivered, vo.ActionRequestRevision, vo.RoleClient}: vo.OrderStatusRevisionRequested,
	{vo.OrderStatusRevisionRequested, vo.ActionDeliver, vo.RoleAgent}:  vo.OrderStatusDelivered,
	{vo.OrderStatusDelivered, vo.ActionAccept, vo.RoleClient}:          vo.OrderStatusCompleted,
	{vo.OrderStatusDelivered, vo.ActionDispute, vo.RoleClient}:         vo.OrderStatusDisputed,
	{vo.OrderStatusRevisionRequested, vo.ActionDispute, vo.RoleClient}: vo.OrderStatusDisputed,
	{vo.OrderStatusPending, vo.ActionCancel, vo.RoleClient}:            vo.OrderStatusCancelled,
	{vo.OrderStatusPending, vo.ActionCancel, vo.RoleSystem}:            vo.OrderStatusCancelled,
	{vo.OrderStatusPaid, vo.ActionCancel, vo.RoleClient}:               vo.OrderStatusCancelled,
	{vo.OrderStatusPaid, vo.ActionCancel, vo.RoleSystem}:               vo.OrderStatusCancelled,
}

func TestDecide_Exhaustive(t *testing.T) {
	for _, from := range vo.AllOrderStatuses {
		for _, action := range vo.AllActions {
			if action == vo.ActionResolve {
				continue
			}
			for _, role := range vo.AllRoles {
				next, err := statemachine.Decide(from, action, role)

				want, ok := legal[triple{from, action, role}]
				if ok {
					require.NoError(t, err, "%s --%s[%s]", from, action, role)
					assert.Equal(t, want, next)
					continue
				}

				require.Error(t, err, "%s --%s[%s] должен быть запрещён", from, action, role)
				assert.True(t, apperror.IsConflict(err))
				rej, isRej := statemachine.AsRejection(err)
				require.True(t, isRej)
				assert.Equal(t, from, rej.Current)
				assert.Equal(t, action, rej.Action)
				assert.Contains(t, err.Error(), string(from))
				assert.Contains(t, err.Error(), string(action))
			}
		}
	}
}

func TestDecide_Resolve(t *testing.T) {
	outcomes := map[vo.Resolution]vo.OrderStatus{
		vo.ResolutionPaySeller:   vo.OrderStatusCompleted,
		vo.ResolutionSplit:       vo.OrderStatusCompleted,
		vo.ResolutionRefundBuyer: vo.OrderStatusCancelled,
	}

	for _, from := range vo.AllOrderStatuses {
		for _, role := range vo.AllRoles {
			for outcome, want := range outcomes {
				next, err := statemachine.Decide(from, vo.ActionResolve, role, outcome)
				if from == vo.OrderStatusDisputed && role.Privileged() {
					require.NoError(t, err)
					assert.Equal(t, want, next)
				} else {
					assert.Error(t, err, "%s resolve[%s]", from, role)
				}
			}
		}
	}
}

func TestDecide_ResolveRequiresOutcome(t *testing.T) {
	_, err := statemachine.Decide(vo.OrderStatusDisputed, vo.ActionResolve, vo.RoleAdmin)
	require.Error(t, err)

	_, err = statemachine.Decide(vo.OrderStatusDisputed, vo.ActionResolve, vo.RoleAdmin, "whatever")
	require.Error(t, err)
}

func TestResolvedStatus(t *testing.T) {
	next, ok := statemachine.ResolvedStatus(vo.ResolutionSplit)
	assert.True(t, ok)
	assert.Equal(t, vo.OrderStatusCompleted, next)

	next, ok = statemachine.ResolvedStatus(vo.ResolutionRefundBuyer)
	assert.True(t, ok)
	assert.Equal(t, vo.OrderStatusCancelled, next)

	_, ok = statemachine.ResolvedStatus("whatever")
	assert.False(t, ok)
}

func TestDecide_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		next, err := statemachine.Decide(vo.OrderStatusDelivered, vo.ActionAccept, vo.RoleClient)
		require.NoError(t, err)
		assert.Equal(t, vo.OrderStatusCompleted, next)
	}
}

func TestAllowed(t *testing.T) {
	assert.True(t, statemachine.Allowed(vo.OrderStatusDelivered, vo.ActionAccept, vo.RoleClient))
	assert.False(t, statemachine.Allowed(vo.OrderStatusDelivered, vo.ActionAccept, vo.RoleAgent))
	assert.False(t, statemachine.Allowed(vo.OrderStatusCompleted, vo.ActionCancel, vo.RoleSystem))
}
