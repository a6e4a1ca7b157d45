// Package settlement: HTTP клиент фасилитатора, исполняющего пакеты переводов
// с кастодиального счёта.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transferLeg struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type transferRequest struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Legs           []transferLeg `json:"legs"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// Transfer отправляет пакет целиком. Фасилитатор исполняет все ноги атомарно
// и по idempotency_key возвращает прежнюю ссылку для повторного запроса.
func (c *Client) Transfer(ctx context.Context, batch repository.TransferBatch) (string, error) {
	if c.baseURL == "" {
		return "", apperror.New(apperror.ErrCodeExternal, "settlement не настроен")
	}
	if len(batch.Legs) == 0 {
		return "", apperror.New(apperror.ErrCodeValidation, "пустой пакет переводов")
	}

	req := transferRequest{IdempotencyKey: batch.IdempotencyKey}
	for _, leg := range batch.Legs {
		req.Legs = append(req.Legs, transferLeg{
			From:   leg.From,
			To:     leg.To,
			Amount: leg.Amount.Exact(),
			Asset:  "USDC",
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", batch.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", apperror.External(err, "settlement недоступен")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out transferResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 400 {
		if (resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict) &&
			out.Error == "insufficient_funds" {
			return "", repository.ErrInsufficientFunds
		}
		return "", apperror.External(
			fmt.Errorf("settlement: код ответа %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			"settlement отклонил перевод",
		)
	}

	if out.Reference == "" {
		return "", apperror.New(apperror.ErrCodeExternal, "settlement не вернул ссылку на перевод")
	}
	return out.Reference, nil
}
