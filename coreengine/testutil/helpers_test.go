package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

func TestMockClassifier(t *testing.T) {
	m := NewMockClassifier(map[string]any{"selectedRoute": "conversation", "confidence": 0.9})

	var out struct {
		SelectedRoute string  `json:"selectedRoute"`
		Confidence    float64 `json:"confidence"`
	}
	require.NoError(t, m.Classify(context.Background(), "prompt", llm.Schema{Name: "route"}, llm.SizeLarge, &out))
	assert.Equal(t, "conversation", out.SelectedRoute)
	assert.Equal(t, 1, m.GetCallCount())
	assert.Equal(t, "prompt", m.LastPrompt())
	assert.Equal(t, llm.SizeLarge, m.Calls[0].Size)

	m.WithRaw("{broken")
	err := m.Classify(context.Background(), "p", llm.Schema{}, llm.SizeSmall, &out)
	assert.True(t, llm.IsFormatError(err))

	m.WithError(errors.New("down"))
	assert.EqualError(t, m.Classify(context.Background(), "p", llm.Schema{}, llm.SizeSmall, &out), "down")
}

func TestMockTextGenerator(t *testing.T) {
	m := NewMockTextGenerator("first", "second")
	ctx := context.Background()

	a, _ := m.GenerateText(ctx, "p1", "model")
	b, _ := m.GenerateText(ctx, "p2", "model")
	c, _ := m.GenerateText(ctx, "p3", "model")

	assert.Equal(t, []string{"first", "second", "second"}, []string{a, b, c})
	assert.Equal(t, 3, m.GetCallCount())
	assert.Equal(t, "p2", m.GetCalls()[1].Prompt)

	_, err := NewMockTextGenerator().GenerateText(ctx, "p", "m")
	assert.Error(t, err)
}

func TestRecordingRouteAndSink(t *testing.T) {
	calls := 0
	route := RecordingRoute("conversation", &calls, func(ctx context.Context, agentContext string, req *pipeline.Request, res *pipeline.Response) error {
		res.Send("ok")
		return nil
	})

	sink := &RecordingSink{}
	res := pipeline.NewResponse(sink, nil)
	req := pipeline.NewRequest(NewTestInput("echo", "u1", "Hello"), NewMockAgent("echo", route))

	require.NoError(t, route.Handler(context.Background(), "", req, res))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, sink.SendCount())
	assert.Equal(t, 0, sink.ErrorCount())
	assert.Equal(t, "echo_u1", req.Input.RoomID)
}

func TestMockLogger(t *testing.T) {
	logger := NewMockLogger()
	logger.Bind("k", "v").Warn("router_low_confidence", "confidence", 0.1)

	assert.True(t, logger.HasLog("warn", "router_low_confidence"))
	entry, ok := logger.Find("warn", "router_low_confidence")
	require.True(t, ok)
	assert.Equal(t, 0.1, entry.Fields["confidence"])
	assert.Len(t, logger.GetLogs(), 1)
}
