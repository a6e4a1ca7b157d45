package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliverableStorage хранит файлы результатов работы агентов на диске.
type DeliverableStorage struct {
	rootPath       string
	maxUploadBytes int64
}

// NewDeliverableStorage создаёт файловое хранилище.
func NewDeliverableStorage(rootPath string, maxUploadMB int64) (*DeliverableStorage, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог %s: %w", rootPath, err)
	}

	return &DeliverableStorage{
		rootPath:       rootPath,
		maxUploadBytes: maxUploadMB * 1024 * 1024,
	}, nil
}

func (s *DeliverableStorage) Root() string {
	return s.rootPath
}

func (s *DeliverableStorage) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

// Save сохраняет файл в каталог заказа и возвращает относительный путь и размер.
func (s *DeliverableStorage) Save(ctx context.Context, orderID uuid.UUID, originalName string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	safeName := SanitizeFilename(originalName)
	ext := filepath.Ext(safeName)
	base := strings.TrimSuffix(safeName, ext)
	fileName := fmt.Sprintf("%s_%d%s", base, time.Now().UnixNano(), ext)

	orderDir := filepath.Join(s.rootPath, orderID.String())
	if err := os.MkdirAll(orderDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("storage: не удалось создать каталог заказа: %w", err)
	}

	targetPath := filepath.Join(orderDir, fileName)
	tempPath := targetPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("storage: не удалось создать файл: %w", err)
	}
	defer f.Close()

	limitedReader := io.LimitedReader{R: r, N: s.maxUploadBytes + 1}
	written, err := io.Copy(f, &limitedReader)
	if err != nil {
		_ = os.Remove(tempPath)
		return "", 0, fmt.Errorf("storage: ошибка записи файла: %w", err)
	}

	if written > s.maxUploadBytes {
		_ = os.Remove(tempPath)
		return "", 0, fmt.Errorf("storage: размер файла превышает лимит %d байт", s.maxUploadBytes)
	}

	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("storage: ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		return "", 0, fmt.Errorf("storage: не удалось переименовать файл: %w", err)
	}

	relative := filepath.ToSlash(filepath.Join(orderID.String(), fileName))
	return relative, written, nil
}

// Delete удаляет файл из хранилища.
func (s *DeliverableStorage) Delete(ctx context.Context, relativePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(s.rootPath, filepath.FromSlash(relativePath))
	if !strings.HasPrefix(target, filepath.Clean(s.rootPath)+string(os.PathSeparator)) {
		return fmt.Errorf("storage: путь %q вне хранилища", relativePath)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: не удалось удалить файл: %w", err)
	}
	return nil
}

// SanitizeFilename удаляет потенциально опасные символы.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" || name == "." {
		name = "deliverable"
	}
	return name
}
