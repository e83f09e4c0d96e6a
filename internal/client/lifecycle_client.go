package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// LifecycleClient resumes paused lifecycle transitions over the lifecycle
// service's HTTP API. Implements engine.Lifecycle.
type LifecycleClient struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewLifecycleClient creates a client against the lifecycle service.
func NewLifecycleClient(baseURL string, log *logger.Logger) *LifecycleClient {
	return &LifecycleClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type transitionRequest struct {
	EntityName    string         `json:"entity_name"`
	EntityID      string         `json:"entity_id"`
	OperationCode string         `json:"operation_code"`
	Context       map[string]any `json:"context,omitempty"`
	Source        string         `json:"source"`
}

// Transition asks the lifecycle service to execute the transition that was
// gated on this approval. The engine treats failures as non-fatal and
// records them on the instance trail; callers re-drive manually from there.
func (c *LifecycleClient) Transition(ctx context.Context, tenantID, entityName, entityID, operationCode string, ctxData map[string]any) error {
	body, err := json.Marshal(transitionRequest{
		EntityName:    entityName,
		EntityID:      entityID,
		OperationCode: operationCode,
		Context:       ctxData,
		Source:        "approval_completed",
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal transition request")
	}

	url := fmt.Sprintf("%s/v1/lifecycle/transitions/execute", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to build transition request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "lifecycle service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Newf(apperrors.CodeInternal,
			"lifecycle transition failed: status %d: %s", resp.StatusCode, string(detail))
	}

	c.log.Debug().
		Str("entity_name", entityName).
		Str("entity_id", entityID).
		Str("operation_code", operationCode).
		Msg("Resumed lifecycle transition")
	return nil
}
