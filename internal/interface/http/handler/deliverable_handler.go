package handler

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/dto"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/response"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/storage"
)

// Разрешённые типы результатов (по магическим байтам)
var allowedDeliverableMimeTypes = map[string]bool{
	"application/pdf":   true,
	"application/zip":   true,
	"application/gzip":  true,
	"application/x-tar": true,
	"image/jpeg":        true,
	"image/png":         true,
	"image/gif":         true,
	"image/webp":        true,
	"audio/mpeg":        true,
	"audio/x-wav":       true,
	"video/mp4":         true,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

// Текстовые форматы не имеют сигнатуры, их принимаем по расширению.
var textDeliverableExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".svg":  "image/svg+xml",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".sql":  "application/sql",
}

// DeliverableHandler принимает файлы результата работы агента.
type DeliverableHandler struct {
	tx      TransactionService
	storage *storage.DeliverableStorage
}

func NewDeliverableHandler(tx TransactionService, storage *storage.DeliverableStorage) *DeliverableHandler {
	return &DeliverableHandler{tx: tx, storage: storage}
}

// Upload обрабатывает POST /api/orders/:id/deliverables.
func (h *DeliverableHandler) Upload(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	if actor.Role != vo.RoleAgent {
		response.Forbidden(c, "загружать результат может только агент заказа")
		return
	}

	res, err := h.tx.GetOrder(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if st := res.Order.Status; st != vo.OrderStatusInProgress && st != vo.OrderStatusRevisionRequested {
		response.Error(c, apperror.Newf(apperror.ErrCodeConflict, "загрузка результата недоступна в статусе %s", st))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "поле file обязательно")
		return
	}
	if file.Size == 0 {
		response.BadRequest(c, "файл не может быть пустым")
		return
	}
	if file.Size > h.storage.MaxUploadBytes() {
		response.BadRequest(c, "размер файла превышает лимит")
		return
	}

	src, err := file.Open()
	if err != nil {
		response.Error(c, err)
		return
	}
	defer src.Close()

	// Читаем первые 512 байт для проверки магических байтов
	buffer := make([]byte, 512)
	n, err := src.Read(buffer)
	if err != nil && err != io.EOF {
		response.BadRequest(c, "не удалось прочитать файл")
		return
	}

	contentType, err := detectDeliverableType(file.Filename, buffer[:n])
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if seeker, ok := src.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			response.Error(c, err)
			return
		}
	}

	relativePath, size, err := h.storage.Save(c.Request.Context(), orderID, file.Filename, src)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.Created(c, dto.DeliverableDTO{
		Name:        storage.SanitizeFilename(file.Filename),
		URL:         relativePath,
		ContentType: contentType,
		Size:        size,
	})
}

// Download отдаёт файл результата участникам сделки.
func (h *DeliverableHandler) Download(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	if _, err := h.tx.GetOrder(c.Request.Context(), actor, orderID); err != nil {
		response.Error(c, err)
		return
	}

	name := storage.SanitizeFilename(strings.TrimPrefix(c.Param("file"), "/"))
	c.FileAttachment(filepath.Join(h.storage.Root(), orderID.String(), name), name)
}

// detectDeliverableType сверяет сигнатуру файла с расширением.
func detectDeliverableType(filename string, head []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	kind, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("не удалось определить тип файла")
	}

	if kind == filetype.Unknown {
		mime, ok := textDeliverableExtensions[ext]
		if !ok || !textPrefix(head) {
			return "", fmt.Errorf("неподдерживаемый формат файла. Текстовые форматы: %s", strings.Join(textExtensions(), ", "))
		}
		return mime, nil
	}

	contentType := kind.MIME.Value
	if !allowedDeliverableMimeTypes[contentType] {
		return "", fmt.Errorf("неподдерживаемый тип файла (%s)", contentType)
	}

	expectedExt := "." + kind.Extension
	if ext != expectedExt && !(ext == ".jpeg" && expectedExt == ".jpg") {
		return "", fmt.Errorf("расширение файла (%s) не соответствует реальному типу (%s)", ext, expectedExt)
	}
	return contentType, nil
}

func textExtensions() []string {
	out := make([]string, 0, len(textDeliverableExtensions))
	for ext := range textDeliverableExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// textPrefix проверяет UTF-8 с учётом руны, обрезанной на границе буфера.
func textPrefix(head []byte) bool {
	for len(head) > 0 {
		r, size := utf8.DecodeRune(head)
		if r == utf8.RuneError && size <= 1 {
			return len(head) < utf8.UTFMax && !utf8.FullRune(head)
		}
		if r == 0 {
			return false
		}
		head = head[size:]
	}
	return true
}
