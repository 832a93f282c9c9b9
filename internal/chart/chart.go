// Package chart turns declarative chart descriptions into Vega-Lite figures that any front end can render.
package chart

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Type is a supported chart type
type Type string

const (
	Bar      Type = "bar"
	Line     Type = "line"
	Area     Type = "area"
	Pie      Type = "pie"
	Scatter  Type = "scatter"
	Timeline Type = "timeline"
	Heatmap  Type = "heatmap"
)

// Types lists every supported chart type
var Types = []Type{Bar, Line, Area, Pie, Scatter, Timeline, Heatmap}

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

const dateLayout = "2006-01-02"

// ErrInvalidSpec is wrapped by every validation error returned from Build
var ErrInvalidSpec = errors.New("invalid chart spec")

// Spec is a flat, declarative description of a chart. Which data fields are required depends on ChartType:
//   - bar, line, area: XValues and YValues
//   - scatter: XValues (numeric strings) and YValues
//   - pie: Labels and Values
//   - timeline: Tasks, StartDates and EndDates
//   - heatmap: XValues, YLabels and ZValues
type Spec struct {
	ChartType  Type     `json:"chart_type" jsonschema:"enum=bar,enum=line,enum=area,enum=pie,enum=scatter,enum=timeline,enum=heatmap"`
	Title      string   `json:"title" jsonschema:"description=Chart title"`
	Subtitle   string   `json:"subtitle,omitempty"`
	XAxisTitle string   `json:"x_axis_title,omitempty"`
	YAxisTitle string   `json:"y_axis_title,omitempty"`
	Height     int      `json:"height,omitempty" jsonschema:"description=Height in pixels (default 400)"`
	Width      int      `json:"width,omitempty"`
	ShowLegend *bool    `json:"show_legend,omitempty"`
	Colors     []string `json:"colors,omitempty" jsonschema:"description=Color palette as CSS colors"`

	XValues     []string  `json:"x_values,omitempty" jsonschema:"description=Categories or x coordinates (bar/line/area/scatter/heatmap)"`
	YValues     []float64 `json:"y_values,omitempty" jsonschema:"description=Values matching x_values (bar/line/area/scatter)"`
	GroupBy     []string  `json:"group_by,omitempty" jsonschema:"description=Series name per bar (bar)"`
	Orientation string    `json:"orientation,omitempty" jsonschema:"enum=vertical,enum=horizontal"`
	LineShape   string    `json:"line_shape,omitempty" jsonschema:"enum=linear,enum=spline,enum=step"`
	ShowMarkers *bool     `json:"show_markers,omitempty"`

	Labels []string  `json:"labels,omitempty" jsonschema:"description=Slice labels (pie)"`
	Values []float64 `json:"values,omitempty" jsonschema:"description=Slice values (pie)"`
	Hole   float64   `json:"hole,omitempty" jsonschema:"description=Donut hole size between 0 and 1 (pie)"`

	TextLabels []string  `json:"text_labels,omitempty" jsonschema:"description=Point labels (scatter)"`
	Sizes      []float64 `json:"sizes,omitempty" jsonschema:"description=Point sizes (scatter)"`

	Tasks      []string `json:"tasks,omitempty" jsonschema:"description=Task names (timeline)"`
	StartDates []string `json:"start_dates,omitempty" jsonschema:"description=Start dates as YYYY-MM-DD (timeline)"`
	EndDates   []string `json:"end_dates,omitempty" jsonschema:"description=End dates as YYYY-MM-DD (timeline)"`
	Group      []string `json:"group,omitempty" jsonschema:"description=Group per task (timeline)"`

	YLabels []string    `json:"y_labels,omitempty" jsonschema:"description=Row labels (heatmap)"`
	ZValues [][]float64 `json:"z_values,omitempty" jsonschema:"description=Cell values with one row per y label (heatmap)"`
}

// Figure is a rendered chart
type Figure struct {
	Type  Type            `json:"chart_type"`
	Title string          `json:"title"`
	Spec  json.RawMessage `json:"spec"` // Vega-Lite v5 specification
}

// Build validates spec and renders it as a Vega-Lite figure
func Build(spec Spec) (Figure, error) {
	if spec.Title == "" {
		spec.Title = "Chart"
	}

	var (
		layer map[string]any
		err   error
	)
	switch spec.ChartType {
	case Bar:
		layer, err = barChart(spec)
	case Line, Area:
		layer, err = lineChart(spec)
	case Pie:
		layer, err = pieChart(spec)
	case Scatter:
		layer, err = scatterChart(spec)
	case Timeline:
		layer, err = timelineChart(spec)
	case Heatmap:
		layer, err = heatmapChart(spec)
	case "":
		return Figure{}, invalid("chart_type is required")
	default:
		return Figure{}, invalid("unsupported chart_type '%s', expected one of %v", spec.ChartType, Types)
	}
	if err != nil {
		return Figure{}, err
	}

	vl := map[string]any{
		"$schema": vegaLiteSchema,
		"title":   title(spec),
		"height":  cmp.Or(spec.Height, 400),
	}
	if spec.Width > 0 {
		vl["width"] = spec.Width
	} else {
		vl["width"] = "container"
	}
	for k, v := range layer {
		vl[k] = v
	}
	applyColors(vl, spec)

	b, err := json.Marshal(vl)
	if err != nil {
		return Figure{}, fmt.Errorf("failed to marshal chart: %w", err)
	}
	return Figure{Type: spec.ChartType, Title: spec.Title, Spec: b}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}

func title(spec Spec) map[string]any {
	t := map[string]any{"text": spec.Title}
	if spec.Subtitle != "" {
		t["subtitle"] = spec.Subtitle
	}
	return t
}

func axis(name string) map[string]any {
	if name == "" {
		return nil
	}
	return map[string]any{"title": name}
}

func field(name string, typ string, axisTitle string) map[string]any {
	f := map[string]any{"field": name, "type": typ}
	if a := axis(axisTitle); a != nil {
		f["axis"] = a
	}
	return f
}

func applyColors(vl map[string]any, spec Spec) {
	encoding, ok := vl["encoding"].(map[string]any)
	if !ok {
		return
	}
	color, hasColor := encoding["color"].(map[string]any)
	if hasColor {
		if len(spec.Colors) > 0 && color["type"] == "nominal" {
			color["scale"] = map[string]any{"range": spec.Colors}
		}
		if spec.ShowLegend != nil && !*spec.ShowLegend {
			color["legend"] = nil
		}
		return
	}
	if len(spec.Colors) > 0 {
		mark, _ := vl["mark"].(map[string]any)
		if mark != nil {
			mark["color"] = spec.Colors[0]
		}
	}
}

func requireSameLength(names string, lengths ...int) error {
	for _, n := range lengths[1:] {
		if n != lengths[0] {
			return invalid("%s must have the same length", names)
		}
	}
	if lengths[0] == 0 {
		return invalid("%s must not be empty", names)
	}
	return nil
}

func barChart(spec Spec) (map[string]any, error) {
	if err := requireSameLength("x_values and y_values", len(spec.XValues), len(spec.YValues)); err != nil {
		return nil, err
	}
	if spec.GroupBy != nil && len(spec.GroupBy) != len(spec.XValues) {
		return nil, invalid("group_by must have the same length as x_values")
	}
	orientation := cmp.Or(spec.Orientation, "vertical")
	if orientation != "vertical" && orientation != "horizontal" {
		return nil, invalid("orientation must be \"vertical\" or \"horizontal\"")
	}

	rows := make([]map[string]any, len(spec.XValues))
	for i := range spec.XValues {
		rows[i] = map[string]any{"x": spec.XValues[i], "y": spec.YValues[i]}
		if spec.GroupBy != nil {
			rows[i]["group"] = spec.GroupBy[i]
		}
	}

	category := field("x", "nominal", spec.XAxisTitle)
	category["sort"] = nil
	value := field("y", "quantitative", spec.YAxisTitle)
	encoding := map[string]any{"x": category, "y": value}
	if orientation == "horizontal" {
		encoding = map[string]any{"x": value, "y": category}
	}
	if spec.GroupBy != nil {
		encoding["color"] = map[string]any{"field": "group", "type": "nominal"}
		if orientation == "horizontal" {
			encoding["yOffset"] = map[string]any{"field": "group"}
		} else {
			encoding["xOffset"] = map[string]any{"field": "group"}
		}
	}

	return map[string]any{
		"data":     map[string]any{"values": rows},
		"mark":     map[string]any{"type": "bar", "tooltip": true},
		"encoding": encoding,
	}, nil
}

func lineChart(spec Spec) (map[string]any, error) {
	if err := requireSameLength("x_values and y_values", len(spec.XValues), len(spec.YValues)); err != nil {
		return nil, err
	}
	interpolate := map[string]string{"linear": "linear", "spline": "monotone", "step": "step-after"}
	shape := cmp.Or(spec.LineShape, "linear")
	interp, ok := interpolate[shape]
	if !ok {
		return nil, invalid("line_shape must be \"linear\", \"spline\", or \"step\"")
	}

	rows := make([]map[string]any, len(spec.XValues))
	for i := range spec.XValues {
		rows[i] = map[string]any{"x": spec.XValues[i], "y": spec.YValues[i]}
	}

	xType := "ordinal"
	if allDates(spec.XValues) {
		xType = "temporal"
	}
	x := field("x", xType, spec.XAxisTitle)
	if xType == "ordinal" {
		x["sort"] = nil
	}

	markType := "line"
	if spec.ChartType == Area {
		markType = "area"
	}
	mark := map[string]any{"type": markType, "interpolate": interp, "tooltip": true}
	if spec.ShowMarkers == nil || *spec.ShowMarkers {
		mark["point"] = true
	}

	return map[string]any{
		"data":     map[string]any{"values": rows},
		"mark":     mark,
		"encoding": map[string]any{"x": x, "y": field("y", "quantitative", spec.YAxisTitle)},
	}, nil
}

func pieChart(spec Spec) (map[string]any, error) {
	if err := requireSameLength("labels and values", len(spec.Labels), len(spec.Values)); err != nil {
		return nil, err
	}
	if slices.ContainsFunc(spec.Values, func(v float64) bool { return v < 0 }) {
		return nil, invalid("values cannot be negative")
	}
	if spec.Hole < 0 || spec.Hole >= 1 {
		return nil, invalid("hole must be between 0.0 and 1.0 (exclusive of 1.0)")
	}

	rows := make([]map[string]any, len(spec.Labels))
	for i := range spec.Labels {
		rows[i] = map[string]any{"label": spec.Labels[i], "value": spec.Values[i]}
	}

	radius := float64(cmp.Or(spec.Height, 400)) / 2
	return map[string]any{
		"data": map[string]any{"values": rows},
		"mark": map[string]any{"type": "arc", "innerRadius": spec.Hole * radius, "tooltip": true},
		"encoding": map[string]any{
			"theta": map[string]any{"field": "value", "type": "quantitative", "stack": true},
			"color": map[string]any{"field": "label", "type": "nominal"},
		},
	}, nil
}

func scatterChart(spec Spec) (map[string]any, error) {
	if err := requireSameLength("x_values and y_values", len(spec.XValues), len(spec.YValues)); err != nil {
		return nil, err
	}
	if spec.TextLabels != nil && len(spec.TextLabels) != len(spec.XValues) {
		return nil, invalid("text_labels must have the same length as x_values")
	}
	if spec.Sizes != nil && len(spec.Sizes) != len(spec.XValues) {
		return nil, invalid("sizes must have the same length as x_values")
	}

	rows := make([]map[string]any, len(spec.XValues))
	for i, xs := range spec.XValues {
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, invalid("scatter x_values must be numeric, got '%s'", xs)
		}
		rows[i] = map[string]any{"x": x, "y": spec.YValues[i]}
		if spec.TextLabels != nil {
			rows[i]["label"] = spec.TextLabels[i]
		}
		if spec.Sizes != nil {
			rows[i]["size"] = spec.Sizes[i]
		}
	}

	encoding := map[string]any{
		"x": field("x", "quantitative", spec.XAxisTitle),
		"y": field("y", "quantitative", spec.YAxisTitle),
	}
	if spec.TextLabels != nil {
		encoding["tooltip"] = map[string]any{"field": "label", "type": "nominal"}
	}
	if spec.Sizes != nil {
		encoding["size"] = map[string]any{"field": "size", "type": "quantitative"}
	}

	return map[string]any{
		"data":     map[string]any{"values": rows},
		"mark":     map[string]any{"type": "point", "filled": true},
		"encoding": encoding,
	}, nil
}

func timelineChart(spec Spec) (map[string]any, error) {
	if err := requireSameLength("tasks, start_dates, and end_dates", len(spec.Tasks), len(spec.StartDates), len(spec.EndDates)); err != nil {
		return nil, err
	}
	if spec.Group != nil && len(spec.Group) != len(spec.Tasks) {
		return nil, invalid("group must have the same length as tasks")
	}

	rows := make([]map[string]any, len(spec.Tasks))
	for i := range spec.Tasks {
		start, err := time.Parse(dateLayout, spec.StartDates[i])
		if err != nil {
			return nil, invalid("date '%s' is not in YYYY-MM-DD format", spec.StartDates[i])
		}
		end, err := time.Parse(dateLayout, spec.EndDates[i])
		if err != nil {
			return nil, invalid("date '%s' is not in YYYY-MM-DD format", spec.EndDates[i])
		}
		if end.Before(start) {
			return nil, invalid("task '%s' ends before it starts", spec.Tasks[i])
		}
		rows[i] = map[string]any{"task": spec.Tasks[i], "start": spec.StartDates[i], "end": spec.EndDates[i]}
		if spec.Group != nil {
			rows[i]["group"] = spec.Group[i]
		}
	}

	task := field("task", "nominal", spec.YAxisTitle)
	task["sort"] = nil
	encoding := map[string]any{
		"y":  task,
		"x":  field("start", "temporal", spec.XAxisTitle),
		"x2": map[string]any{"field": "end"},
	}
	if spec.Group != nil {
		encoding["color"] = map[string]any{"field": "group", "type": "nominal"}
	}

	return map[string]any{
		"data":     map[string]any{"values": rows},
		"mark":     map[string]any{"type": "bar", "tooltip": true},
		"encoding": encoding,
	}, nil
}

func heatmapChart(spec Spec) (map[string]any, error) {
	if len(spec.XValues) == 0 || len(spec.YLabels) == 0 {
		return nil, invalid("x_values and y_labels must not be empty")
	}
	if len(spec.ZValues) != len(spec.YLabels) {
		return nil, invalid("z_values must have one row per y label")
	}

	var rows []map[string]any
	for yi, row := range spec.ZValues {
		if len(row) != len(spec.XValues) {
			return nil, invalid("z_values row %d must have one value per x value", yi)
		}
		for xi, z := range row {
			rows = append(rows, map[string]any{"x": spec.XValues[xi], "y": spec.YLabels[yi], "z": z})
		}
	}

	x := field("x", "nominal", spec.XAxisTitle)
	x["sort"] = nil
	y := field("y", "nominal", spec.YAxisTitle)
	y["sort"] = nil
	return map[string]any{
		"data": map[string]any{"values": rows},
		"mark": map[string]any{"type": "rect", "tooltip": true},
		"encoding": map[string]any{
			"x":     x,
			"y":     y,
			"color": map[string]any{"field": "z", "type": "quantitative"},
		},
	}, nil
}

func allDates(values []string) bool {
	for _, v := range values {
		if _, err := time.Parse(dateLayout, v); err != nil {
			return false
		}
	}
	return len(values) > 0
}
