package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/model"
)

// Step config keys read by HTTPRequestExecutor
const (
	HTTPConfigURL     = "url"
	HTTPConfigMethod  = "method"
	HTTPConfigHeaders = "headers"
	HTTPConfigBody    = "body"
)

// maxResponseBody caps how much of a response is kept as step output
const maxResponseBody = 1 << 20

// HTTPRequestExecutor runs HTTP_REQUEST steps
type HTTPRequestExecutor struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestExecutor creates a new HTTP request executor. A nil client
// uses one with a 30 second timeout.
func NewHTTPRequestExecutor(logger *zap.Logger, client *http.Client) *HTTPRequestExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	return &HTTPRequestExecutor{
		logger:     logger.Named("http-executor"),
		httpClient: client,
	}
}

// CanExecute implements engine.StepExecutor
func (e *HTTPRequestExecutor) CanExecute(stepType model.StepType) bool {
	return stepType == model.StepTypeHTTPRequest
}

// Execute performs the request. Transport errors and status codes of 400 and
// above fail the step.
func (e *HTTPRequestExecutor) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	start := time.Now()

	url := step.ConfigString(HTTPConfigURL)
	if url == "" {
		return failed(step, start, nil, "http step %s has no url", step.ID), nil
	}
	method := strings.ToUpper(step.ConfigString(HTTPConfigMethod))
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := stepContext(ctx, step)
	defer cancel()

	var body io.Reader
	if b := step.ConfigString(HTTPConfigBody); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return failed(step, start, nil, "failed to create request: %v", err), nil
	}
	for key, value := range configStringMap(step, HTTPConfigHeaders) {
		req.Header.Set(key, value)
	}
	if execCtx != nil {
		req.Header.Set("X-Flowplane-Execution-Id", execCtx.ExecutionID)
	}

	e.logger.Info("Executing HTTP request",
		zap.String("step_id", step.ID),
		zap.String("method", method),
		zap.String("url", url))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return failed(step, start, nil, "request failed: %v", err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return failed(step, start, nil, "failed to read response: %v", err), nil
	}

	output := map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}
	if resp.StatusCode >= 400 {
		return failed(step, start, output, "HTTP request failed with status: %d", resp.StatusCode), nil
	}
	return succeeded(step, start, output), nil
}
