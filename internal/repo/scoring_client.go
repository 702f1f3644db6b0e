package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// ScoringClient fetches scored transaction batches from a scoring backend.
type ScoringClient struct {
	baseURL    string
	batchPath  string
	batchSize  int
	httpClient *http.Client
}

// NewScoringClient constructs a client targeting the configured scoring backend.
func NewScoringClient(baseURL, batchPath string, batchSize int, timeout time.Duration) *ScoringClient {
	return &ScoringClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		batchPath: batchPath,
		batchSize: batchSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type batchResponse struct {
	Split *struct {
		Fraudulent int `json:"fraudulent"`
		Legitimate int `json:"legitimate"`
	} `json:"split"`
	Transactions []struct {
		ID     string     `json:"id"`
		Amount wireAmount `json:"amount"`
		Status string     `json:"status"`
		Action string     `json:"action"`
	} `json:"transactions"`
	Matrix *struct {
		TP int `json:"TP"`
		FP int `json:"FP"`
		TN int `json:"TN"`
		FN int `json:"FN"`
	} `json:"confusion_matrix"`
}

// FetchBatch requests one scored batch. Missing top-level sections are
// reported as errors; field-level checks are left to the caller.
func (c *ScoringClient) FetchBatch(ctx context.Context) (models.SourceResponse, error) {
	if c == nil {
		return models.SourceResponse{}, fmt.Errorf("scoring client not initialised")
	}
	if c.baseURL == "" {
		return models.SourceResponse{}, fmt.Errorf("scoring base URL not configured")
	}

	payload := map[string]any{"batch_size": c.batchSize}

	var response batchResponse
	if err := c.postJSON(ctx, c.batchURL(), payload, &response); err != nil {
		return models.SourceResponse{}, fmt.Errorf("scoring batch request failed: %w", err)
	}
	if response.Split == nil {
		return models.SourceResponse{}, fmt.Errorf("scoring response missing split")
	}
	if response.Matrix == nil {
		return models.SourceResponse{}, fmt.Errorf("scoring response missing confusion_matrix")
	}
	if response.Transactions == nil {
		return models.SourceResponse{}, fmt.Errorf("scoring response missing transactions")
	}

	batch := make(models.Batch, 0, len(response.Transactions))
	for _, txn := range response.Transactions {
		batch = append(batch, models.Transaction{
			ID:     txn.ID,
			Amount: float64(txn.Amount),
			Status: models.Status(txn.Status),
			Action: models.Action(txn.Action),
		})
	}

	return models.SourceResponse{
		Transactions: batch,
		Split: models.ClassificationSplit{
			FraudulentCount: response.Split.Fraudulent,
			LegitimateCount: response.Split.Legitimate,
		},
		Matrix: models.ConfusionMatrix{
			TP: response.Matrix.TP,
			FP: response.Matrix.FP,
			TN: response.Matrix.TN,
			FN: response.Matrix.FN,
		},
	}, nil
}

func (c *ScoringClient) batchURL() string { return c.resolvePath(c.batchPath) }

func (c *ScoringClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ScoringClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("scoring backend returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wireAmount accepts both JSON numbers and the two-decimal strings some
// scorers emit ("412.07").
type wireAmount float64

func (a *wireAmount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("amount is null")
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimPrefix(strings.TrimSpace(unquoted), "$")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", data, err)
	}
	*a = wireAmount(v)
	return nil
}
