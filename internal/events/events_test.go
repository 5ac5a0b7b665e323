package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/flowplane/internal/testutil"
)

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, event *Event) error {
	return errors.New("bus unavailable")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	emitter := NewEmitter(r, zap.NewNop())

	emitter.Emit(TaskSubmitted, map[string]interface{}{"task_id": "t1"})
	emitter.Emit(TaskAssigned, map[string]interface{}{"task_id": "t1"})
	emitter.Emit(TaskSubmitted, map[string]interface{}{"task_id": "t2"})

	assert.Len(t, r.Events(), 3)
	submitted := r.OfType(TaskSubmitted)
	require.Len(t, submitted, 2)
	assert.Equal(t, "t2", submitted[1].Data["task_id"])
	assert.NotEmpty(t, submitted[0].ID)
	assert.False(t, submitted[0].Timestamp.IsZero())
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	emitter := NewEmitter(failingPublisher{}, zap.New(core))

	assert.NotPanics(t, func() {
		emitter.Emit(AgentOffline, map[string]interface{}{"agent_id": "a1"})
	})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to publish event", logs.All()[0].Message)
}

func TestNilEmitter(t *testing.T) {
	var emitter *Emitter
	assert.NotPanics(t, func() {
		emitter.Emit(TaskCompleted, nil)
	})

	emitter = NewEmitter(nil, zap.NewNop())
	assert.NotPanics(t, func() {
		emitter.Emit(TaskCompleted, nil)
	})
}

func TestNATSPublisher(t *testing.T) {
	js := testutil.StartJetStream(t)

	publisher, err := NewNATSPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream := testutil.RequireStream(t, js, streamName)
		assert.Equal(t, []string{"flowplane.>"}, stream.Config.Subjects)

		// a second publisher reuses the stream
		_, err = NewNATSPublisher(js, zaptest.NewLogger(t))
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		event := New(TaskCompleted, map[string]interface{}{"task_id": "task-1"})
		require.NoError(t, publisher.Publish(context.Background(), event))

		msgs := testutil.Collect(t, js, Subject(TaskCompleted), 1, 2*time.Second)
		require.Len(t, msgs, 1)

		var got Event
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, TaskCompleted, got.Type)
		assert.Equal(t, "task-1", got.Data["task_id"])
	})

	t.Run("Subscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		received := make(chan *Event, 10)
		require.NoError(t, publisher.Subscribe(ctx, "agent.*", func(e *Event) {
			received <- e
		}))

		require.NoError(t, publisher.Publish(ctx, New(AgentRegistered, map[string]interface{}{"agent_id": "a1"})))

		select {
		case e := <-received:
			assert.Equal(t, AgentRegistered, e.Type)
			assert.Equal(t, "a1", e.Data["agent_id"])
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	})
}
