package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	routingKey string
	msgType    string
	body       []byte
}

type fakeBroker struct {
	messages []sent
	err      error
}

func (f *fakeBroker) PublishWithRetry(_ context.Context, routingKey, msgType string, body []byte) error {
	f.messages = append(f.messages, sent{routingKey: routingKey, msgType: msgType, body: body})
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_Routing(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	p := NewPublisher(broker, Routes{Upload: "custom.upload"}, discardLogger())

	require.NoError(t, p.EnqueueGeneration(ctx, domain.GenerationTask{JobID: "j1", Prompt: "p", TargetDurationSeconds: 30, Tone: domain.ToneFun}))
	require.NoError(t, p.EnqueueRender(ctx, domain.RenderTask{JobID: "j1", SRT: "1\n"}))
	require.NoError(t, p.EnqueueUpload(ctx, domain.UploadTask{JobID: "j1", ChannelID: "c", PrivacyStatus: domain.PrivacyPublic}))
	require.NoError(t, p.PublishRenderEvent(ctx, domain.RenderEvent{JobID: "j1", Event: domain.RenderComplete}))
	require.NoError(t, p.QuotaAlert(ctx, quota.Alert{OwnerID: "o", Level: quota.AlertApproaching}))

	tests := []struct {
		routingKey string
		msgType    string
	}{
		{"clip.generation", domain.TaskGeneration},
		{"clip.render", domain.TaskRender},
		{"custom.upload", domain.TaskUpload},
		{"clip.render.events", domain.EventRender},
		{"clip.quota.alerts", domain.EventQuotaAlert},
	}
	require.Len(t, broker.messages, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.routingKey, broker.messages[i].routingKey)
		assert.Equal(t, tt.msgType, broker.messages[i].msgType)
	}

	var task domain.GenerationTask
	require.NoError(t, json.Unmarshal(broker.messages[0].body, &task))
	assert.Equal(t, 30, task.TargetDurationSeconds)
	assert.Equal(t, domain.ToneFun, task.Tone)
}

func TestPublisher_DispatchError(t *testing.T) {
	broker := &fakeBroker{err: errors.New("channel closed")}
	p := NewPublisher(broker, Routes{}, discardLogger())

	err := p.EnqueueRender(context.Background(), domain.RenderTask{JobID: "j1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatch)
	assert.Equal(t, domain.KindDispatch, domain.ClassifyStageError(domain.StageRendering, err).Kind)
}
