package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/artifact"
)

func newChartRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterChartTool(r))
	return r
}

func TestCreateChart_EmitsArtifact(t *testing.T) {
	r := newChartRegistry(t)
	sink := artifact.NewSink()
	ctx := artifact.WithEmitter(context.Background(), sink, "turn-1")

	res := r.Dispatch(ctx, toolCall("c1", "create_chart", `{
		"chart_type": "bar",
		"title": "Tasks by assignee",
		"x_values": ["carol", "dave"],
		"y_values": [2, 1]
	}`), nil)

	require.Equal(t, ai.StatusSuccess, res.Status, "unexpected error: %s", res.Payload)
	assert.Contains(t, string(res.Payload), `"status":"created"`)

	artifacts := sink.Drain("turn-1")
	require.Len(t, artifacts, 1)
	assert.Equal(t, ChartArtifactKind, artifacts[0].Kind)
	assert.Equal(t, "Tasks by assignee", artifacts[0].Title)
	assert.Contains(t, string(artifacts[0].Payload), "vega-lite")
}

func TestCreateChart_InvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"unknown type", `{"chart_type":"radar","title":"x"}`},
		{"mismatched lengths", `{"chart_type":"bar","title":"x","x_values":["a"],"y_values":[1,2]}`},
		{"missing title", `{"chart_type":"bar","x_values":["a"],"y_values":[1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newChartRegistry(t)
			sink := artifact.NewSink()
			ctx := artifact.WithEmitter(context.Background(), sink, "turn-1")

			res := r.Dispatch(ctx, toolCall("c1", "create_chart", tt.args), nil)

			assert.Equal(t, ai.KindInvalidArguments, res.Kind)
			assert.Empty(t, sink.Drain("turn-1"))
		})
	}
}

func TestCreateChart_WithoutEmitter(t *testing.T) {
	r := newChartRegistry(t)

	res := r.Dispatch(context.Background(), toolCall("c1", "create_chart",
		`{"chart_type":"pie","title":"Share","labels":["a"],"values":[1]}`), nil)

	assert.Equal(t, ai.KindExecutionError, res.Kind)
}

func TestCreateChart_AfterTurnDrained(t *testing.T) {
	r := newChartRegistry(t)
	sink := artifact.NewSink()
	ctx := artifact.WithEmitter(context.Background(), sink, "turn-1")
	sink.Drain("turn-1")

	res := r.Dispatch(ctx, toolCall("c1", "create_chart",
		`{"chart_type":"pie","title":"Share","labels":["a"],"values":[1]}`), nil)

	assert.Equal(t, ai.KindExecutionError, res.Kind)
	assert.Equal(t, 0, sink.Pending())
}
