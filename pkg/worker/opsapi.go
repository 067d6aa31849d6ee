package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// Operation statuses reported back to the API.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
)

// ProvisionOptions are the options attached to a provision_host
// operation.
type ProvisionOptions struct {
	Action      string `json:"action"`
	Hostname    string `json:"hostname"`
	OldHostname string `json:"oldHostname"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	ConfigName  string `json:"configName"`
	CSVCol0     string `json:"csvCol0"`
	DryRun      bool   `json:"dryRun"`
}

// Operation is the operation record fetched from the internal API.
type Operation struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Status  string           `json:"status"`
	Options ProvisionOptions `json:"options"`
}

// OpsClient talks to the authority's internal operations API using the
// shared X-Internal-Key.
type OpsClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpsClient creates an internal API client. baseURL is the API root,
// e.g. http://localhost:3000/api/v1.
func NewOpsClient(baseURL, apiKey string) *OpsClient {
	return &OpsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusUpdate carries the optional fields of a status report.
type StatusUpdate struct {
	Result  map[string]any
	Error   string
	Attempt *int
}

// UpdateStatus reports the current status of an operation. Returns false
// when the API rejected or could not be reached; status reporting is
// best-effort and the caller proceeds either way.
func (c *OpsClient) UpdateStatus(ctx context.Context, operationID, status string, update StatusUpdate) bool {
	payload := map[string]any{"status": status}
	if update.Result != nil {
		payload["result"] = update.Result
	}
	if update.Error != "" {
		payload["error"] = update.Error
	}
	if update.Attempt != nil {
		payload["attempt"] = *update.Attempt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal status payload", logger.KeyError, err)
		return false
	}

	url := fmt.Sprintf("%s/internal/operations/%s/status", c.baseURL, operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		logger.Error("failed to build status request", logger.KeyError, err)
		return false
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("status update request failed", "operation_id", operationID, logger.KeyError, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Error("status update rejected",
			"operation_id", operationID,
			"status_code", resp.StatusCode,
			"body", string(text))
		return false
	}

	logger.Debug("updated operation status", "operation_id", operationID, "status", status)
	return true
}

// GetOperation fetches the full operation record, including options.
func (c *OpsClient) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	url := fmt.Sprintf("%s/internal/operations/%s", c.baseURL, operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d for operation %s", resp.StatusCode, operationID)
	}

	// The API may wrap the record in a data envelope.
	var envelope struct {
		Data *Operation `json:"data"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, nil
	}

	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", operationID, err)
	}
	return &op, nil
}

// RetryJob requests the API to re-queue an operation.
func (c *OpsClient) RetryJob(ctx context.Context, operationID string) bool {
	url := fmt.Sprintf("%s/internal/operations/%s/retry", c.baseURL, operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("retry request failed", "operation_id", operationID, logger.KeyError, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *OpsClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Internal-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
