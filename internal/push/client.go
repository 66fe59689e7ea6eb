package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

// Outcome classifies one push attempt. Overloaded (429) rolls the
// assignment back without charging the worker a failure; Failed covers 503,
// other statuses and transport errors.
type Outcome int

const (
	Delivered Outcome = iota
	Overloaded
	Failed
)

// ExecutePayload is the body POSTed to {endpoint}/execute. It carries the
// full execution record so the worker can start without a read-back.
type ExecutePayload struct {
	Execution      *types.Execution `json:"execution"`
	RootWorkflowID string           `json:"root_workflow_id,omitempty"`
}

// Client delivers work and cancellation requests to push workers. The
// orchestrator is the HTTP client here; workers are the servers.
type Client interface {
	Execute(ctx context.Context, worker *types.Worker, payload *ExecutePayload) (Outcome, error)
	// Cancel POSTs {endpoint}/cancel/{id}. gone=true means the worker
	// answered 404: it no longer knows the execution.
	Cancel(ctx context.Context, worker *types.Worker, executionID uuid.UUID) (gone bool, err error)
}

type client struct {
	log            *logger.Logger
	http           *http.Client
	executeTimeout time.Duration
	cancelTimeout  time.Duration
}

func NewClient(baseLog *logger.Logger) Client {
	return &client{
		log:            baseLog.With("service", "PushClient"),
		http:           &http.Client{},
		executeTimeout: 10 * time.Second,
		cancelTimeout:  30 * time.Second,
	}
}

func (c *client) Execute(ctx context.Context, worker *types.Worker, payload *ExecutePayload) (Outcome, error) {
	if worker == nil || worker.PushEndpointURL == "" {
		return Failed, fmt.Errorf("worker has no push endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed, fmt.Errorf("marshal execute payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.executeTimeout)
	defer cancel()

	url := strings.TrimRight(worker.PushEndpointURL, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-ID", worker.ID.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return Failed, fmt.Errorf("push to %s: %w", url, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return Delivered, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Overloaded, fmt.Errorf("worker overloaded")
	default:
		return Failed, fmt.Errorf("worker returned %d", resp.StatusCode)
	}
}

func (c *client) Cancel(ctx context.Context, worker *types.Worker, executionID uuid.UUID) (bool, error) {
	if worker == nil || worker.PushEndpointURL == "" {
		return false, fmt.Errorf("worker has no push endpoint")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cancelTimeout)
	defer cancel()

	url := strings.TrimRight(worker.PushEndpointURL, "/") + "/cancel/" + executionID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Worker-ID", worker.ID.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("cancel to %s: %w", url, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
		return true, nil
	default:
		return false, fmt.Errorf("worker returned %d", resp.StatusCode)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
