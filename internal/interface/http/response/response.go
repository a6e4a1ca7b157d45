package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// Response: единый конверт ответа API. Warnings заполняется, когда основная
// операция удалась, а вторичный шаг (webhook, статистика, выплата по таймеру) нет.
type Response struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Success(c *gin.Context, data interface{}) {
	WithWarnings(c, http.StatusOK, data, nil)
}

func Created(c *gin.Context, data interface{}) {
	WithWarnings(c, http.StatusCreated, data, nil)
}

func WithWarnings(c *gin.Context, status int, data interface{}, warnings []string) {
	c.JSON(status, Response{Success: true, Data: data, Warnings: warnings})
}

// Error отдаёт AppError как есть. Ошибки базы и внутренние ошибки логируются,
// а клиент получает обезличенное сообщение.
func Error(c *gin.Context, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		appErr = apperror.Wrap(err, apperror.ErrCodeInternal, "внутренняя ошибка сервера")
	}

	message := appErr.Message
	if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Code != apperror.ErrCodeExternal {
		logger.Get().WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"code":  appErr.Code,
			"error": err.Error(),
		}).Error("http: внутренняя ошибка")
		message = "внутренняя ошибка сервера"
	}

	fail(c, appErr.HTTPStatus, appErr.Code, message)
}

// BadRequest: входные данные не прошли проверку.
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, apperror.ErrCodeValidation, message)
}

func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, apperror.ErrCodeUnauthorized, message)
}

func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, apperror.ErrCodeForbidden, message)
}

func fail(c *gin.Context, status int, code apperror.ErrorCode, message string) {
	c.JSON(status, Response{
		Success: false,
		Error:   &ErrorInfo{Code: string(code), Message: message},
	})
}
