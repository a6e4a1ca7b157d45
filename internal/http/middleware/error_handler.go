package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// ErrorHandler обрабатывает ошибки, добавленные через c.Error, если обработчик
// сам не записал ответ. Внутренние ошибки маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()

		logger.Get().WithFields(logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("ошибка запроса")

		statusCode := http.StatusInternalServerError
		code := string(apperror.ErrCodeInternal)
		message := "внутренняя ошибка сервера"

		var appErr *apperror.AppError
		if errors.As(err.Err, &appErr) {
			statusCode = appErr.HTTPStatus
			code = string(appErr.Code)
			if !containsInternalKeywords(appErr.Message) {
				message = appErr.Message
			}
		}

		c.JSON(statusCode, gin.H{
			"success": false,
			"error":   gin.H{"code": code, "message": message},
		})
	}
}

// containsInternalKeywords проверяет, содержит ли строка ключевые слова внутренних ошибок.
func containsInternalKeywords(s string) bool {
	keywords := []string{
		"sql:",
		"database",
		"connection",
		"panic",
		"runtime",
	}

	lower := strings.ToLower(s)
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
