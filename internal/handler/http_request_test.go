package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowplane/internal/model"
)

func TestHTTPRequestExecutor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(r.Method + " " + r.Header.Get("X-Token") + " " +
				r.Header.Get("X-Flowplane-Execution-Id") + " " + string(body)))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer server.Close()

	e := NewHTTPRequestExecutor(zaptest.NewLogger(t), server.Client())
	execCtx := &model.WorkflowExecutionContext{WorkflowID: "wf-1", ExecutionID: "exec-1"}

	assert.True(t, e.CanExecute(model.StepTypeHTTPRequest))
	assert.False(t, e.CanExecute(model.StepTypeNotification))

	t.Run("Success", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:   "post",
			Type: model.StepTypeHTTPRequest,
			Config: map[string]interface{}{
				"url":     server.URL + "/ok",
				"method":  "post",
				"headers": map[string]interface{}{"X-Token": "abc"},
				"body":    "payload",
			},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)

		output := result.Output.(map[string]interface{})
		assert.Equal(t, http.StatusOK, output["status_code"])
		assert.Equal(t, "POST abc exec-1 payload", output["body"])
	})

	t.Run("DefaultsToGet", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:     "get",
			Type:   model.StepTypeHTTPRequest,
			Config: map[string]interface{}{"url": server.URL + "/ok"},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Contains(t, result.Output.(map[string]interface{})["body"], "GET")
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:     "missing",
			Type:   model.StepTypeHTTPRequest,
			Config: map[string]interface{}{"url": server.URL + "/nope"},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "HTTP request failed with status: 404", result.Error)
		assert.Equal(t, http.StatusNotFound, result.Output.(map[string]interface{})["status_code"])
	})

	t.Run("Timeout", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:      "slow",
			Type:    model.StepTypeHTTPRequest,
			Timeout: 50 * time.Millisecond,
			Config:  map[string]interface{}{"url": server.URL + "/slow"},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "request failed")
	})

	t.Run("MissingURL", func(t *testing.T) {
		step := &model.WorkflowStep{ID: "empty", Type: model.StepTypeHTTPRequest}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "no url")
	})
}
