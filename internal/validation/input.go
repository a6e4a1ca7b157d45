package validation

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

// Константы валидации
const (
	MaxGigIDLength            = 128
	MaxRequirementsLength     = 10000
	MaxRequirementInputs      = 50
	MaxDeliveryContentLength  = 50000
	MaxDeliverablesCount      = 20
	MaxDeliverableNameLength  = 255
	MaxDeliverableURLLength   = 2048
	MaxDisputeReasonLength    = 2000
	MaxDisputeDetailsLength   = 10000
	MaxResolutionNotesLength  = 5000
	MaxPaymentReferenceLength = 256
)

var walletRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateLength проверяет длину строки.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return fmt.Errorf("%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

// ValidateNonEmpty проверяет, что строка не пустая.
func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s не может быть пустым", fieldName)
	}
	return nil
}

// ValidateWallet проверяет EVM адрес. Адрес в одном регистре принимается как есть,
// адрес в смешанном регистре должен совпадать с контрольной суммой EIP-55.
func ValidateWallet(fieldName, wallet string) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return fmt.Errorf("%s обязателен", fieldName)
	}
	if !walletRegex.MatchString(wallet) {
		return fmt.Errorf("%s должен быть адресом вида 0x и 40 hex символов", fieldName)
	}

	body := wallet[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if ChecksumAddress(wallet) != wallet {
		return fmt.Errorf("%s: неверная контрольная сумма адреса", fieldName)
	}
	return nil
}

// ChecksumAddress возвращает адрес в записи EIP-55.
func ChecksumAddress(wallet string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(wallet, "0x"), "0X"))

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ValidateDisputeReason проверяет причину спора. minLength задаётся конфигом.
func ValidateDisputeReason(reason string, minLength int) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("причина спора обязательна")
	}
	return ValidateLength("причина спора", reason, minLength, MaxDisputeReasonLength)
}

// ValidateRequirements проверяет требования к заказу.
func ValidateRequirements(text string, inputs map[string]string) error {
	if err := ValidateNonEmpty("требования", text); err != nil {
		return err
	}
	if err := ValidateLength("требования", text, 0, MaxRequirementsLength); err != nil {
		return err
	}
	if len(inputs) > MaxRequirementInputs {
		return fmt.Errorf("количество входных параметров не может превышать %d", MaxRequirementInputs)
	}
	for key := range inputs {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("имя входного параметра не может быть пустым")
		}
	}
	return nil
}

// ValidateDeliverableURL проверяет ссылку на результат работы.
func ValidateDeliverableURL(link string) error {
	link = strings.TrimSpace(link)
	if err := ValidateLength("ссылка на результат", link, 1, MaxDeliverableURLLength); err != nil {
		return err
	}

	parsedURL, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("некорректный формат URL")
	}

	// относительные пути выдаёт собственное хранилище результатов
	if parsedURL.Scheme == "" && parsedURL.Host == "" {
		if strings.Contains(link, "..") {
			return fmt.Errorf("недопустимый путь к результату")
		}
		return nil
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" && parsedURL.Scheme != "ipfs" {
		return fmt.Errorf("ссылка должна начинаться с http://, https:// или ipfs://")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("ссылка должна содержать доменное имя")
	}
	return nil
}

// ValidateWebhookURL проверяет адрес вебхука агента.
func ValidateWebhookURL(link string) error {
	if link == "" {
		return nil
	}
	parsedURL, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("некорректный формат URL")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("вебхук должен начинаться с http:// или https://")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("вебхук должен содержать доменное имя")
	}
	return nil
}
