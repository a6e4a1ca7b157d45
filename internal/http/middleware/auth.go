package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/service"
)

// ContextActorKey: ключ участника операции в gin.Context.
const ContextActorKey = "actor"

// ActorParser разбирает access токен в участника операции.
type ActorParser interface {
	ParseAccess(token string) (vo.Actor, error)
}

var _ ActorParser = (*service.TokenManager)(nil)

// AuthMiddleware проверяет JWT access токен из заголовка Authorization.
func AuthMiddleware(tokens ActorParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			abortUnauthorized(c, "требуется авторизация")
			return
		}

		actor, err := tokens.ParseAccess(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			abortUnauthorized(c, "токен невалиден")
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// QueryTokenAuth читает токен из query параметра: браузерный WebSocket не умеет слать заголовки.
func QueryTokenAuth(tokens ActorParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if raw == "" {
			abortUnauthorized(c, "требуется авторизация")
			return
		}

		actor, err := tokens.ParseAccess(raw)
		if err != nil {
			abortUnauthorized(c, "токен невалиден")
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// RequireRoles пропускает только перечисленные роли.
func RequireRoles(roles ...vo.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			abortUnauthorized(c, "требуется авторизация")
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    string(apperror.ErrCodeForbidden),
				"message": "недостаточно прав для операции",
			},
		})
	}
}

// ActorFrom достаёт участника, положенного AuthMiddleware.
func ActorFrom(c *gin.Context) (vo.Actor, bool) {
	value, exists := c.Get(ContextActorKey)
	if !exists {
		return vo.Actor{}, false
	}
	actor, ok := value.(vo.Actor)
	return actor, ok
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    string(apperror.ErrCodeUnauthorized),
			"message": message,
		},
	})
}
