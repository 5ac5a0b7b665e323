package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
)

// Step config keys read by NotificationExecutor
const (
	NotificationConfigChannel    = "channel"
	NotificationConfigMessage    = "message"
	NotificationConfigRecipients = "recipients"
)

// DefaultNotificationChannel is used when a step names no channel
const DefaultNotificationChannel = "default"

// NotificationExecutor runs NOTIFICATION steps by publishing a notification
// event. Delivery to people is left to whatever subscribes to the bus.
type NotificationExecutor struct {
	logger    *zap.Logger
	publisher events.Publisher
}

// NewNotificationExecutor creates a new notification executor
func NewNotificationExecutor(publisher events.Publisher, logger *zap.Logger) *NotificationExecutor {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &NotificationExecutor{
		logger:    logger.Named("notification-executor"),
		publisher: publisher,
	}
}

// CanExecute implements engine.StepExecutor
func (e *NotificationExecutor) CanExecute(stepType model.StepType) bool {
	return stepType == model.StepTypeNotification
}

// Execute publishes the notification. Unlike status events a publish failure
// fails the step.
func (e *NotificationExecutor) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	start := time.Now()

	message := step.ConfigString(NotificationConfigMessage)
	if message == "" {
		return failed(step, start, nil, "notification step %s has no message", step.ID), nil
	}
	channel := step.ConfigString(NotificationConfigChannel)
	if channel == "" {
		channel = DefaultNotificationChannel
	}
	recipients := step.ConfigStrings(NotificationConfigRecipients)

	data := map[string]interface{}{
		"step_id":    step.ID,
		"channel":    channel,
		"message":    message,
		"recipients": recipients,
	}
	if execCtx != nil {
		data["workflow_id"] = execCtx.WorkflowID
		data["execution_id"] = execCtx.ExecutionID
	}

	pubCtx, cancel := stepContext(ctx, step)
	defer cancel()

	e.logger.Info("Sending notification",
		zap.String("step_id", step.ID),
		zap.String("channel", channel),
		zap.Int("recipients", len(recipients)))

	event := events.New(events.Notification, data)
	if err := e.publisher.Publish(pubCtx, event); err != nil {
		e.logger.Error("Failed to send notification",
			zap.String("step_id", step.ID),
			zap.Error(err))
		return failed(step, start, nil, "failed to publish notification: %v", err), nil
	}

	return succeeded(step, start, map[string]interface{}{
		"event_id":   event.ID,
		"channel":    channel,
		"recipients": recipients,
	}), nil
}
