package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// UUIDValidator проверяет, что параметр с указанным именем является валидным UUID.
// Разобранное значение кладётся в контекст под ключом "<param>UUID".
func UUIDValidator(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.Param(paramName)
		if idStr == "" {
			abortBadRequest(c, "параметр "+paramName+" обязателен")
			return
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			abortBadRequest(c, "параметр "+paramName+" должен быть валидным UUID")
			return
		}

		c.Set(paramName+"UUID", id)
		c.Next()
	}
}

func abortBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error": gin.H{
			"code":    string(apperror.ErrCodeValidation),
			"message": message,
		},
	})
}
