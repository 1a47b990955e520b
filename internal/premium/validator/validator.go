package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kinboardBack/internal/models"
)

// Client calls the trusted receipt verification endpoint. The call is
// idempotent and side-effect free on the server; any persistence belongs to
// the reconciliation engine, not here.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("validator: base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Bounded timeout: a hung verification call must surface as the
	// retryable transport category, not hold a reconciliation forever.
	// Copy the client so a shared one (http.DefaultClient included) keeps
	// its own timeout.
	c := *httpClient
	c.Timeout = timeout
	return &Client{baseURL: baseURL, client: &c}, nil
}

type verifyRequest struct {
	Receipt string `json:"receipt"`
}

type verifyResponse struct {
	Valid                 bool   `json:"valid"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	TransactionTimeMillis int64  `json:"transaction_time_millis"`
	Environment           string `json:"environment"`
}

// Validate sends the opaque receipt payload for verification. Transport
// failures wrap models.ErrValidatorUnreachable (retryable by the next
// natural trigger); a server verdict of invalid wraps
// models.ErrReceiptRejected (terminal for this record).
func (c *Client) Validate(ctx context.Context, receiptPayload string) (models.ValidatedPurchase, error) {
	if strings.TrimSpace(receiptPayload) == "" {
		return models.ValidatedPurchase{}, fmt.Errorf("%w: empty receipt payload", models.ErrReceiptRejected)
	}

	body, err := json.Marshal(verifyRequest{Receipt: receiptPayload})
	if err != nil {
		return models.ValidatedPurchase{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return models.ValidatedPurchase{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.ValidatedPurchase{}, fmt.Errorf("%w: %v", models.ErrValidatorUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		// Timeouts and throttling are transport-class: the record stays
		// eligible for redelivery, it was never judged.
		return models.ValidatedPurchase{}, fmt.Errorf("%w: %s", models.ErrValidatorUnreachable, resp.Status)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(resp.Body)
		return models.ValidatedPurchase{}, fmt.Errorf("%w: %s (%s)", models.ErrReceiptRejected, resp.Status, strings.TrimSpace(string(raw)))
	}

	var verdict verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return models.ValidatedPurchase{}, fmt.Errorf("%w: decode response: %v", models.ErrValidatorUnreachable, err)
	}
	if !verdict.Valid {
		return models.ValidatedPurchase{}, models.ErrReceiptRejected
	}

	return models.ValidatedPurchase{
		ProductID:             verdict.ProductID,
		TransactionID:         verdict.TransactionID,
		OriginalTransactionID: verdict.OriginalTransactionID,
		TransactionTime:       time.UnixMilli(verdict.TransactionTimeMillis).UTC(),
		Environment:           verdict.Environment,
	}, nil
}
