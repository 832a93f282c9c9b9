package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/cchalm/portfolio-assistant/internal/artifact"
	"github.com/cchalm/portfolio-assistant/internal/chart"
)

// ChartArtifactKind is the artifact kind emitted by create_chart
const ChartArtifactKind = "chart"

// RegisterChartTool adds create_chart to r. Charts are handed to the user as artifacts and never enter the
// conversation
func RegisterChartTool(r *Registry) error {
	return RegisterFunc(r, "create_chart",
		"Create a chart that is displayed to the user. Fetch the data with the other tools first, then pass the values "+
			"here. Supported chart types: bar, line, area, pie, scatter, timeline and heatmap.",
		createChart)
}

func createChart(ctx context.Context, spec chart.Spec) (any, error) {
	figure, err := chart.Build(spec)
	if errors.Is(err, chart.ErrInvalidSpec) {
		return nil, NewToolInputError(err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to build chart: %w", err)
	}

	emitter, ok := artifact.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("charts cannot be displayed in this session")
	}
	if !emitter.Emit(artifact.Artifact{
		Kind:    ChartArtifactKind,
		Title:   figure.Title,
		Payload: figure.Spec,
	}) {
		return nil, fmt.Errorf("the turn ended before the chart could be displayed")
	}

	return map[string]any{
		"status":     "created",
		"chart_type": figure.Type,
		"title":      figure.Title,
		"message":    "The chart has been created and will be displayed to the user. Do not describe it as an image or link.",
	}, nil
}
