package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/web4ai/orchestrator/pkg/types"
)

// Transport delivers task commands to a node's endpoint.
type Transport interface {
	// Execute asks the node to run the task. A nil error means the node
	// acknowledged the work.
	Execute(ctx context.Context, endpoint string, t *types.Task) error
	// Cancel asks the node to stop a task it may be running.
	Cancel(ctx context.Context, endpoint, taskID string) error
}

// RejectError is an affirmative refusal from a node: the request
// arrived but the node declined the task. Not retried against the
// same node.
type RejectError struct {
	Status int
	Body   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("node rejected request: status %d: %s", e.Status, e.Body)
}

// HTTPTransport speaks the node agent's JSON API.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates the production transport. client may be nil
// to use http.DefaultClient; per-attempt deadlines come from the
// caller's context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

func (h *HTTPTransport) Execute(ctx context.Context, endpoint string, t *types.Task) error {
	url := endpoint + "/api/v1/tasks/execute"
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return h.post(ctx, url, body)
}

func (h *HTTPTransport) Cancel(ctx context.Context, endpoint, taskID string) error {
	url := fmt.Sprintf("%s/api/v1/tasks/%s/cancel", endpoint, taskID)
	return h.post(ctx, url, nil)
}

func (h *HTTPTransport) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RejectError{Status: resp.StatusCode, Body: string(snippet)}
	default:
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}
}
