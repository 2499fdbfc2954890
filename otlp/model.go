package otlp

import (
	"github.com/open-telemetry/opentelemetry-collector-contrib/pkg/sampling"
)

// Span is a decoded trace span with all of its resource, scope and status
// data folded into Attributes.
type Span struct {
	TraceID                string            `json:"traceId"`
	SpanID                 string            `json:"spanId"`
	ParentSpanID           string            `json:"parentSpanId"`
	TraceState             string            `json:"traceState"`
	Name                   string            `json:"name"`
	Kind                   string            `json:"kind"`
	StartTime              string            `json:"startTime"`
	EndTime                string            `json:"endTime"`
	DurationInNanos        int64             `json:"durationInNanos"`
	Attributes             map[string]any    `json:"attributes"`
	DroppedAttributesCount uint32            `json:"droppedAttributesCount"`
	DroppedEventsCount     uint32            `json:"droppedEventsCount"`
	DroppedLinksCount      uint32            `json:"droppedLinksCount"`
	Events                 []SpanEvent       `json:"events"`
	Links                  []Link            `json:"links"`
	ServiceName            *string           `json:"serviceName"`
	TraceGroup             *string           `json:"traceGroup"`
	TraceGroupFields       *TraceGroupFields `json:"traceGroupFields"`

	// AdjustedCount is the number of spans this one represents according to
	// the sampling threshold in its tracestate, or 0 when there is none.
	AdjustedCount float64 `json:"adjustedCount,omitempty"`
}

// TraceGroupFields summarises a trace on its root span.
type TraceGroupFields struct {
	EndTime         string `json:"endTime"`
	DurationInNanos int64  `json:"durationInNanos"`
	StatusCode      int    `json:"statusCode"`
}

type SpanEvent struct {
	Name                   string         `json:"name"`
	Time                   string         `json:"time"`
	Attributes             map[string]any `json:"attributes"`
	DroppedAttributesCount uint32         `json:"droppedAttributesCount"`
}

type Link struct {
	TraceID                string         `json:"traceId"`
	SpanID                 string         `json:"spanId"`
	TraceState             string         `json:"traceState"`
	Attributes             map[string]any `json:"attributes"`
	DroppedAttributesCount uint32         `json:"droppedAttributesCount"`
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// ToMap returns the span as a generic document for the sink codecs.
func (s Span) ToMap() map[string]any {
	m := map[string]any{
		"traceId":                s.TraceID,
		"spanId":                 s.SpanID,
		"parentSpanId":           s.ParentSpanID,
		"traceState":             s.TraceState,
		"name":                   s.Name,
		"kind":                   s.Kind,
		"startTime":              s.StartTime,
		"endTime":                s.EndTime,
		"durationInNanos":        s.DurationInNanos,
		"attributes":             s.Attributes,
		"droppedAttributesCount": s.DroppedAttributesCount,
		"droppedEventsCount":     s.DroppedEventsCount,
		"droppedLinksCount":      s.DroppedLinksCount,
		"traceGroup":             nil,
		"traceGroupFields":       nil,
	}
	events := make([]any, len(s.Events))
	for i, e := range s.Events {
		events[i] = map[string]any{
			"name":                   e.Name,
			"time":                   e.Time,
			"attributes":             e.Attributes,
			"droppedAttributesCount": e.DroppedAttributesCount,
		}
	}
	m["events"] = events
	links := make([]any, len(s.Links))
	for i, l := range s.Links {
		links[i] = map[string]any{
			"traceId":                l.TraceID,
			"spanId":                 l.SpanID,
			"traceState":             l.TraceState,
			"attributes":             l.Attributes,
			"droppedAttributesCount": l.DroppedAttributesCount,
		}
	}
	m["links"] = links
	if s.ServiceName != nil {
		m["serviceName"] = *s.ServiceName
	}
	if s.TraceGroup != nil {
		m["traceGroup"] = *s.TraceGroup
	}
	if s.TraceGroupFields != nil {
		m["traceGroupFields"] = map[string]any{
			"endTime":         s.TraceGroupFields.EndTime,
			"durationInNanos": s.TraceGroupFields.DurationInNanos,
			"statusCode":      s.TraceGroupFields.StatusCode,
		}
	}
	if s.AdjustedCount != 0 {
		m["adjustedCount"] = s.AdjustedCount
	}
	return m
}

// adjustedCountFromTraceState reads the OpenTelemetry sampling threshold
// ("ot=th:...") from a W3C tracestate.
func adjustedCountFromTraceState(traceState string) (float64, bool) {
	if traceState == "" {
		return 0, false
	}
	w3c, err := sampling.NewW3CTraceState(traceState)
	if err != nil {
		return 0, false
	}
	th, ok := w3c.OTelValue().TValueThreshold()
	if !ok {
		return 0, false
	}
	return th.AdjustedCount(), true
}

// OpenTelemetryLog is a decoded log record.
type OpenTelemetryLog struct {
	ServiceName            string         `json:"serviceName"`
	Time                   string         `json:"time"`
	ObservedTime           string         `json:"observedTime"`
	Body                   any            `json:"body"`
	Attributes             map[string]any `json:"attributes"`
	DroppedAttributesCount uint32         `json:"droppedAttributesCount"`
	SchemaURL              string         `json:"schemaUrl"`
	SeverityNumber         int32          `json:"severityNumber"`
	SeverityText           string         `json:"severityText"`
	Flags                  uint32         `json:"flags"`
	TraceID                string         `json:"traceId"`
	SpanID                 string         `json:"spanId"`
}

func (l OpenTelemetryLog) ToMap() map[string]any {
	return map[string]any{
		"serviceName":            l.ServiceName,
		"time":                   l.Time,
		"observedTime":           l.ObservedTime,
		"body":                   l.Body,
		"attributes":             l.Attributes,
		"droppedAttributesCount": l.DroppedAttributesCount,
		"schemaUrl":              l.SchemaURL,
		"severityNumber":         l.SeverityNumber,
		"severityText":           l.SeverityText,
		"flags":                  l.Flags,
		"traceId":                l.TraceID,
		"spanId":                 l.SpanID,
	}
}

// Exemplar is a sampled measurement attached to a metric data point.
type Exemplar struct {
	Time       string         `json:"time"`
	Value      float64        `json:"value"`
	Attributes map[string]any `json:"attributes"`
	SpanID     string         `json:"spanId"`
	TraceID    string         `json:"traceId"`
}

func (e Exemplar) toMap() map[string]any {
	return map[string]any{
		"time":       e.Time,
		"value":      e.Value,
		"attributes": e.Attributes,
		"spanId":     e.SpanID,
		"traceId":    e.TraceID,
	}
}

// Quantile is one value of a summary data point.
type Quantile struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// MetricKind names the data type a Metric record was decoded from.
type MetricKind string

const (
	MetricKindGauge                MetricKind = "GAUGE"
	MetricKindSum                  MetricKind = "SUM"
	MetricKindHistogram            MetricKind = "HISTOGRAM"
	MetricKindExponentialHistogram MetricKind = "EXPONENTIAL_HISTOGRAM"
	MetricKindSummary              MetricKind = "SUMMARY"
)

// Metric is a single decoded data point together with the metric it belongs
// to. Fields that do not apply to Kind are left at their zero value.
type Metric struct {
	Kind                   MetricKind     `json:"kind"`
	Name                   string         `json:"name"`
	Description            string         `json:"description"`
	Unit                   string         `json:"unit"`
	ServiceName            string         `json:"serviceName"`
	StartTime              string         `json:"startTime"`
	Time                   string         `json:"time"`
	Attributes             map[string]any `json:"attributes"`
	SchemaURL              string         `json:"schemaUrl"`
	Flags                  uint32         `json:"flags"`
	Exemplars              []Exemplar     `json:"exemplars"`
	AggregationTemporality string         `json:"aggregationTemporality,omitempty"`

	// gauge and sum
	Value       *float64 `json:"value,omitempty"`
	IsMonotonic bool     `json:"isMonotonic,omitempty"`

	// histograms and summaries
	Count uint64   `json:"count,omitempty"`
	Sum   *float64 `json:"sum,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`

	Buckets         []Bucket   `json:"buckets,omitempty"`
	BucketCounts    []uint64   `json:"bucketCountsList,omitempty"`
	ExplicitBounds  []float64  `json:"explicitBounds,omitempty"`
	Scale           int32      `json:"scale,omitempty"`
	ZeroCount       uint64     `json:"zeroCount,omitempty"`
	PositiveOffset  int32      `json:"positiveOffset,omitempty"`
	NegativeOffset  int32      `json:"negativeOffset,omitempty"`
	PositiveBuckets []Bucket   `json:"positiveBuckets,omitempty"`
	NegativeBuckets []Bucket   `json:"negativeBuckets,omitempty"`
	Quantiles       []Quantile `json:"quantiles,omitempty"`
}

func (m Metric) ToMap() map[string]any {
	out := map[string]any{
		"kind":        string(m.Kind),
		"name":        m.Name,
		"description": m.Description,
		"unit":        m.Unit,
		"serviceName": m.ServiceName,
		"startTime":   m.StartTime,
		"time":        m.Time,
		"attributes":  m.Attributes,
		"schemaUrl":   m.SchemaURL,
		"flags":       m.Flags,
	}
	exemplars := make([]any, len(m.Exemplars))
	for i, e := range m.Exemplars {
		exemplars[i] = e.toMap()
	}
	out["exemplars"] = exemplars
	if m.AggregationTemporality != "" {
		out["aggregationTemporality"] = m.AggregationTemporality
	}

	switch m.Kind {
	case MetricKindGauge, MetricKindSum:
		if m.Value != nil {
			out["value"] = *m.Value
		}
		if m.Kind == MetricKindSum {
			out["isMonotonic"] = m.IsMonotonic
		}
	case MetricKindHistogram:
		out["count"] = m.Count
		out["bucketCountsList"] = m.BucketCounts
		out["explicitBounds"] = m.ExplicitBounds
		out["buckets"] = bucketsToMaps(m.Buckets)
		out["bucketCount"] = len(m.BucketCounts)
		out["explicitBoundsCount"] = len(m.ExplicitBounds)
	case MetricKindExponentialHistogram:
		out["count"] = m.Count
		out["scale"] = m.Scale
		out["zeroCount"] = m.ZeroCount
		out["positiveOffset"] = m.PositiveOffset
		out["negativeOffset"] = m.NegativeOffset
		out["positiveBuckets"] = bucketsToMaps(m.PositiveBuckets)
		out["negativeBuckets"] = bucketsToMaps(m.NegativeBuckets)
	case MetricKindSummary:
		out["count"] = m.Count
		quantiles := make([]any, len(m.Quantiles))
		for i, q := range m.Quantiles {
			quantiles[i] = map[string]any{"quantile": q.Quantile, "value": q.Value}
		}
		out["quantiles"] = quantiles
		out["quantileValuesCount"] = len(m.Quantiles)
	}
	for key, val := range map[string]*float64{"sum": m.Sum, "min": m.Min, "max": m.Max} {
		if val != nil {
			out[key] = *val
		}
	}
	return out
}

func bucketsToMaps(buckets []Bucket) []any {
	out := make([]any, len(buckets))
	for i, b := range buckets {
		out[i] = map[string]any{"min": b.Min, "max": b.Max, "count": b.Count}
	}
	return out
}
