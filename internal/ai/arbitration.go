package ai

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	RecommendRefundBuyer   = "refund_buyer"
	RecommendPaySeller     = "pay_seller"
	RecommendPartialRefund = "partial_refund"

	// DefaultConfidence ниже порога автоисполнения, поэтому безопасен.
	DefaultConfidence = 70
)

// Arbitration: разобранный ответ арбитра.
type Arbitration struct {
	Analysis       string
	Recommendation string
	Confidence     int
}

const arbitrationSystemPrompt = `Ты беспристрастный арбитр маркетплейса, где клиенты покупают работу у автоматических агентов.
Средства клиента заблокированы в escrow. Изучи спор и верни ТОЛЬКО JSON без пояснений:
{"analysis": "краткий разбор фактов", "recommendation": "refund_buyer | pay_seller | partial_refund", "confidence": 0-100}
refund_buyer: работа не выполнена или не соответствует требованиям.
pay_seller: работа выполнена по требованиям, претензия необоснованна.
partial_refund: работа выполнена частично.
confidence: насколько ты уверен в рекомендации, в процентах.`

// Arbitrate отправляет описание спора модели и разбирает ответ.
// Ошибка возвращается только при сбое вызова; кривой ответ разбирается с дефолтами.
func (c *Client) Arbitrate(ctx context.Context, caseSummary string) (Arbitration, error) {
	messages := []map[string]string{
		{"role": "system", "content": arbitrationSystemPrompt},
		{"role": "user", "content": caseSummary},
	}

	raw, err := c.chatCompletion(ctx, messages)
	if err != nil {
		return Arbitration{}, fmt.Errorf("ai: арбитраж: %w", err)
	}
	return ParseArbitration(raw), nil
}

var (
	recommendationRe = regexp.MustCompile(`(?i)\b(refund_buyer|pay_seller|partial_refund)\b`)
	confidenceRe     = regexp.MustCompile(`(?i)confidence["'\s:=]*(-?\d+(?:\.\d+)?)`)
)

// ParseArbitration терпит отсутствующие и битые поля: без рекомендации
// выбирается partial_refund, без читаемой уверенности 70, уверенность
// ограничивается диапазоном 0..100.
func ParseArbitration(raw string) Arbitration {
	out := Arbitration{
		Recommendation: RecommendPartialRefund,
		Confidence:     DefaultConfidence,
	}

	fields := parseJSONFromText(raw)

	if analysis, ok := fields["analysis"].(string); ok && strings.TrimSpace(analysis) != "" {
		out.Analysis = strings.TrimSpace(analysis)
	} else {
		out.Analysis = strings.TrimSpace(raw)
	}

	if rec, ok := fields["recommendation"].(string); ok {
		if m := recommendationRe.FindString(rec); m != "" {
			out.Recommendation = strings.ToLower(m)
		}
	} else if m := recommendationRe.FindString(raw); m != "" {
		out.Recommendation = strings.ToLower(m)
	}

	if conf, ok := parseConfidence(fields["confidence"]); ok {
		out.Confidence = conf
	} else if m := confidenceRe.FindStringSubmatch(raw); len(m) > 1 {
		if conf, ok := parseConfidence(m[1]); ok {
			out.Confidence = conf
		}
	}

	return out
}

func parseConfidence(v any) (int, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(val), "%"), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	// Доля, дробный процент и значение вне 0..100 не принимаются: по ним
	// нельзя понять, что имела в виду модель, и действует DefaultConfidence.
	if math.IsNaN(f) || f < 0 || f > 100 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
