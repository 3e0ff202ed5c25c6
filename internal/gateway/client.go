// Package gateway предоставляет клиент операции отмены внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Error описывает отказ шлюза: тип из таксономии шлюза, человекочитаемое
// сообщение и транспортный статус для вызывающей стороны.
type Error struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Type, e.Message)
}

// statusForType сопоставляет тип ошибки шлюза с HTTP-статусом.
func statusForType(errType string) int {
	switch errType {
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusUnauthorized
	case "FORBIDDEN":
		return http.StatusForbidden
	case "PAYMENT_NOT_FOUND":
		return http.StatusNotFound
	case "PAYMENT_ALREADY_CANCELLED":
		return http.StatusConflict
	case "PG_PROVIDER":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CancelResult — успешный исход отмены: ссылка шлюза на операцию возврата.
type CancelResult struct {
	CancellationRef string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент шлюза по указанному адресу. Сетевые сбои
// ретраятся транспортом, timeout ограничивает каждый запрос целиком.
func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancellationPayload struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

type cancelResponse struct {
	Cancellation *cancellationPayload `json:"cancellation"`
}

// Cancel отменяет платёж по ссылке шлюза. Успехом считается только
// status == "SUCCEEDED"; любой другой ответ, включая пустой или
// нечитаемый, возвращается как *Error.
func (c *Client) Cancel(ctx context.Context, gatewayRef, reason string) (*CancelResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(cancelRequest{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	url := fmt.Sprintf("%s/payments/%s/cancel", base, gatewayRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var result cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{
			StatusCode: http.StatusInternalServerError,
			Message:    fmt.Sprintf("malformed gateway response: %v", err),
		}
	}

	if result.Cancellation == nil {
		return nil, &Error{
			StatusCode: http.StatusInternalServerError,
			Message:    "empty gateway response",
		}
	}

	if result.Cancellation.Status != "SUCCEEDED" {
		return nil, &Error{
			StatusCode: statusForType(result.Cancellation.Type),
			Type:       result.Cancellation.Type,
			Message:    result.Cancellation.Message,
		}
	}

	return &CancelResult{CancellationRef: result.Cancellation.ID}, nil
}
