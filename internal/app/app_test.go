package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowplane/internal/config"
	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/maintenance"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/storage"
	"github.com/t77yq/flowplane/internal/testutil"
)

const reviewWorkflow = `
id: review
name: Review
steps:
  - id: analyse
    name: Analyse
    type: AGENT_EXECUTION
    timeout: 5s
    config:
      agentType: code-reviewer
  - id: build
    name: Build
    type: SHELL_COMMAND
    config:
      command: echo
      args: [built]
  - id: notify
    name: Notify
    type: NOTIFICATION
    config:
      message: done
`

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	return &config.Config{
		App:         config.AppConfig{Name: "flowplane-test"},
		Agents:      config.AgentsConfig{HeartbeatTimeout: 30 * time.Second},
		Distributor: config.DistributorConfig{Strategy: "least_loaded", DefaultMaxRetries: 1, DefaultTimeout: 5 * time.Second, EnableFailover: true},
		Coordinator: config.CoordinatorConfig{DefaultStepTimeout: 5 * time.Second},
		Maintenance: maintenance.Config{QueueDrain: "@every 1s"},
		Storage:     config.StorageConfig{Path: dbPath},
		Fleet: config.FleetConfig{
			TaskDelay:         10 * time.Millisecond,
			HeartbeatInterval: time.Second,
			PollInterval:      10 * time.Millisecond,
			Agents: []config.AgentConfig{
				{Name: "reviewer", Type: "code-reviewer", Capabilities: []string{"code-analysis"}, MaxConcurrentTasks: 2},
			},
		},
		Alerts: []config.AlertRuleConfig{
			{Name: "offline", Type: "agent_offline", Threshold: 0},
		},
	}
}

func writeWorkflow(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewWorkflow), 0o644))
	return dir
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
		a.Close()
	})
}

func TestNewRegistersFleetAndRules(t *testing.T) {
	a, err := New(testConfig(t, ""), zaptest.NewLogger(t), WithHostSampler(nil))
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Workers, 1)
	assert.NotEmpty(t, a.Workers[0].AgentID())
	assert.Len(t, a.Agents.GetAllAgents(), 1)
	assert.Len(t, a.Alerts.Rules(), 1)
	assert.Nil(t, a.History)
	assert.ElementsMatch(t, []string{
		maintenance.JobHealthCheck,
		maintenance.JobQueueDrain,
		maintenance.JobWorkflowCleanup,
		maintenance.JobHistoryCleanup,
		maintenance.JobMetrics,
	}, a.Maintenance.Jobs())
}

func TestNewRejectsBadAlertRule(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Alerts = []config.AlertRuleConfig{{Name: "bad", Type: "cpu_melting", Threshold: 1}}

	_, err := New(cfg, zaptest.NewLogger(t), WithHostSampler(nil))
	assert.Error(t, err)
}

func TestExecuteWorkflowEndToEnd(t *testing.T) {
	recorder := events.NewRecorder()
	a, err := New(testConfig(t, filepath.Join(t.TempDir(), "flowplane.db")), zaptest.NewLogger(t),
		WithPublisher(recorder), WithHostSampler(nil))
	require.NoError(t, err)
	startApp(t, a)

	ctx := context.Background()
	defs, err := a.LoadWorkflows(ctx, writeWorkflow(t))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	result, err := a.Engine.StartExecution(ctx, "review", map[string]interface{}{"branch": "main"})
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Error)
	require.Len(t, result.StepResults, 3)

	agentOutput, ok := result.StepResults[0].Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, a.Workers[0].AgentID(), agentOutput["agent_id"])

	wf, err := a.State.GetWorkflow(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, wf.Status)

	// history is written after waiters are released
	var records []*storage.TaskHistory
	require.Eventually(t, func() bool {
		records, err = a.History.List(ctx, storage.HistoryFilter{WorkflowID: "review"}, 0, 10)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TaskStatusCompleted, records[0].Status)

	assert.Len(t, recorder.OfType(events.Notification), 1)
	assert.NotEmpty(t, recorder.OfType(events.WorkflowCompleted))
}

func TestResumeInterrupted(t *testing.T) {
	a, err := New(testConfig(t, filepath.Join(t.TempDir(), "flowplane.db")), zaptest.NewLogger(t), WithHostSampler(nil))
	require.NoError(t, err)
	startApp(t, a)

	ctx := context.Background()
	_, err = a.LoadWorkflows(ctx, writeWorkflow(t))
	require.NoError(t, err)

	// a run that got through the agent step before the process went away
	require.NoError(t, a.State.UpdateWorkflowStatus(ctx, "review", model.WorkflowStatusRunning))
	now := time.Now()
	require.NoError(t, a.State.SaveExecutionContext(ctx, &model.WorkflowExecutionContext{
		WorkflowID:    "review",
		ExecutionID:   "exec-1",
		CurrentStep:   1,
		StartedAt:     now,
		LastUpdatedAt: now,
	}))

	results, err := a.ResumeInterrupted(ctx, []string{"review"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.ExecutionStatusCompleted, results[0].Status)
	assert.Len(t, results[0].StepResults, 2)

	// nothing left to resume once the workflow completed
	results, err = a.ResumeInterrupted(ctx, []string{"review"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSaveWorkflowKeepsStatus(t *testing.T) {
	a, err := New(testConfig(t, ""), zaptest.NewLogger(t), WithHostSampler(nil))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	dir := writeWorkflow(t)
	_, err = a.LoadWorkflows(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, a.State.UpdateWorkflowStatus(ctx, "review", model.WorkflowStatusFailed))

	_, err = a.LoadWorkflows(ctx, dir)
	require.NoError(t, err)

	wf, err := a.State.GetWorkflow(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailed, wf.Status)
}

func TestNewPublishesToNATS(t *testing.T) {
	srv := testutil.StartServer(t)

	cfg := testConfig(t, "")
	cfg.NATS = config.NATSConfig{
		Enabled:        true,
		URL:            srv.ClientURL(),
		MaxReconnects:  1,
		ReconnectWait:  100 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
	a, err := New(cfg, zaptest.NewLogger(t), WithHostSampler(nil))
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Publisher.(*events.NATSPublisher)
	require.True(t, ok)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	a.Metrics.Collect(context.Background())
	msgs := testutil.Collect(t, js, events.Subject(events.FleetMetrics), 1, 2*time.Second)
	assert.Len(t, msgs, 1)
}
