package otlp

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	otelprep "github.com/honeycombio/otelprep"
	collectorMetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	common "go.opentelemetry.io/proto/otlp/common/v1"
	metrics "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/proto"
)

// DecodeMetricsRequestFromReader decodes an OTLP/HTTP metrics request body.
// RequestInfo is the parsed information from the HTTP headers
func DecodeMetricsRequestFromReader(ctx context.Context, body io.ReadCloser, ri RequestInfo) ([]Metric, error) {
	if err := ri.ValidateHeaders(); err != nil {
		return nil, err
	}
	request := &collectorMetrics.ExportMetricsServiceRequest{}
	if err := parseOtlpRequestBody(body, ri.ContentType, ri.ContentEncoding, request, ri.maxBodySize()); err != nil {
		return nil, err
	}
	records, err := DecodeMetricsRequest(request)
	if err != nil {
		return nil, err
	}
	otelprep.SetAttributes(ctx, map[string]any{
		"otlp.signal":        "metrics",
		"otlp.request_bytes": proto.Size(request),
		"otlp.record_count":  len(records),
	})
	return records, nil
}

// DecodeMetricsRequest produces one Metric per data point in request.
func DecodeMetricsRequest(request *collectorMetrics.ExportMetricsServiceRequest) ([]Metric, error) {
	return defaultBucketBuilder.DecodeMetricsRequest(request)
}

// DecodeMetricsRequest is like the package level function but builds
// exponential histogram buckets with b.
func (b *BucketBuilder) DecodeMetricsRequest(request *collectorMetrics.ExportMetricsServiceRequest) ([]Metric, error) {
	records := []Metric{}
	for _, rm := range request.GetResourceMetrics() {
		resourceAttrs, err := getResourceAttributes(rm.GetResource())
		if err != nil {
			return nil, err
		}
		var serviceName string
		if name := getServiceName(rm.GetResource()); name != nil {
			serviceName = *name
		}

		scopeMetrics, err := scopeMetricsOf(rm)
		if err != nil {
			return nil, err
		}
		for _, sm := range scopeMetrics {
			scopeAttrs, err := getScopeAttributes(sm.GetScope())
			if err != nil {
				return nil, err
			}
			schemaURL := sm.GetSchemaUrl()
			if schemaURL == "" {
				schemaURL = rm.GetSchemaUrl()
			}
			for _, metric := range sm.GetMetrics() {
				base := Metric{
					Name:        metric.GetName(),
					Description: metric.GetDescription(),
					Unit:        metric.GetUnit(),
					ServiceName: serviceName,
					SchemaURL:   schemaURL,
				}
				decoded, err := b.decodeMetric(metric, base, resourceAttrs, scopeAttrs)
				if err != nil {
					return nil, fmt.Errorf("metric %q: %w", metric.GetName(), err)
				}
				records = append(records, decoded...)
			}
		}
	}
	return records, nil
}

func (b *BucketBuilder) decodeMetric(metric *metrics.Metric, base Metric, resourceAttrs, scopeAttrs map[string]any) ([]Metric, error) {
	var out []Metric
	// point fills in what every kind of data point shares
	point := func(kind MetricKind, attrs []*common.KeyValue, start, ts uint64, flags uint32, exemplars []*metrics.Exemplar) (Metric, error) {
		m := base
		m.Kind = kind
		pointAttrs, err := flattenAttributes(MetricAttributesPrefix, attrs)
		if err != nil {
			return m, err
		}
		m.Attributes = mergeInto(make(map[string]any, len(resourceAttrs)+len(scopeAttrs)+len(pointAttrs)), resourceAttrs, scopeAttrs, pointAttrs)
		m.StartTime = unixNanoToISO8601(start)
		m.Time = unixNanoToISO8601(ts)
		m.Flags = flags
		if m.Exemplars, err = ConvertExemplars(exemplars); err != nil {
			return m, err
		}
		return m, nil
	}

	switch data := metric.GetData().(type) {
	case *metrics.Metric_Gauge:
		for _, dp := range data.Gauge.GetDataPoints() {
			m, err := point(MetricKindGauge, dp.GetAttributes(), dp.GetStartTimeUnixNano(), dp.GetTimeUnixNano(), dp.GetFlags(), dp.GetExemplars())
			if err != nil {
				return nil, err
			}
			m.Value = ValueAsDouble(dp)
			out = append(out, m)
		}
	case *metrics.Metric_Sum:
		for _, dp := range data.Sum.GetDataPoints() {
			m, err := point(MetricKindSum, dp.GetAttributes(), dp.GetStartTimeUnixNano(), dp.GetTimeUnixNano(), dp.GetFlags(), dp.GetExemplars())
			if err != nil {
				return nil, err
			}
			m.Value = ValueAsDouble(dp)
			m.IsMonotonic = data.Sum.GetIsMonotonic()
			m.AggregationTemporality = data.Sum.GetAggregationTemporality().String()
			out = append(out, m)
		}
	case *metrics.Metric_Histogram:
		for _, dp := range data.Histogram.GetDataPoints() {
			m, err := point(MetricKindHistogram, dp.GetAttributes(), dp.GetStartTimeUnixNano(), dp.GetTimeUnixNano(), dp.GetFlags(), dp.GetExemplars())
			if err != nil {
				return nil, err
			}
			if m.Buckets, err = ExplicitBuckets(dp.GetBucketCounts(), dp.GetExplicitBounds()); err != nil {
				return nil, err
			}
			m.AggregationTemporality = data.Histogram.GetAggregationTemporality().String()
			m.Count = dp.GetCount()
			m.Sum, m.Min, m.Max = dp.Sum, dp.Min, dp.Max
			m.BucketCounts = dp.GetBucketCounts()
			m.ExplicitBounds = dp.GetExplicitBounds()
			out = append(out, m)
		}
	case *metrics.Metric_ExponentialHistogram:
		for _, dp := range data.ExponentialHistogram.GetDataPoints() {
			m, err := point(MetricKindExponentialHistogram, dp.GetAttributes(), dp.GetStartTimeUnixNano(), dp.GetTimeUnixNano(), dp.GetFlags(), dp.GetExemplars())
			if err != nil {
				return nil, err
			}
			m.AggregationTemporality = data.ExponentialHistogram.GetAggregationTemporality().String()
			m.Count = dp.GetCount()
			m.Sum, m.Min, m.Max = dp.Sum, dp.Min, dp.Max
			m.Scale = dp.GetScale()
			m.ZeroCount = dp.GetZeroCount()
			m.PositiveOffset = dp.GetPositive().GetOffset()
			m.NegativeOffset = dp.GetNegative().GetOffset()
			m.PositiveBuckets = b.ExponentialBuckets(dp.GetPositive().GetOffset(), dp.GetPositive().GetBucketCounts(), dp.GetScale())
			m.NegativeBuckets = mirrorBuckets(b.ExponentialBuckets(dp.GetNegative().GetOffset(), dp.GetNegative().GetBucketCounts(), dp.GetScale()))
			out = append(out, m)
		}
	case *metrics.Metric_Summary:
		for _, dp := range data.Summary.GetDataPoints() {
			m, err := point(MetricKindSummary, dp.GetAttributes(), dp.GetStartTimeUnixNano(), dp.GetTimeUnixNano(), dp.GetFlags(), nil)
			if err != nil {
				return nil, err
			}
			m.Count = dp.GetCount()
			sum := dp.GetSum()
			m.Sum = &sum
			for _, q := range dp.GetQuantileValues() {
				m.Quantiles = append(m.Quantiles, Quantile{Quantile: q.GetQuantile(), Value: q.GetValue()})
			}
			out = append(out, m)
		}
	case nil:
		// a metric without data carries nothing worth keeping
	default:
		return nil, fmt.Errorf("metric data %T: %w", data, ErrUnsupportedEncoding)
	}
	return out, nil
}

// mirrorBuckets turns buckets computed over absolute values into the
// buckets of the negative range, which cover (-Max, -Min].
func mirrorBuckets(buckets []Bucket) []Bucket {
	for i, b := range buckets {
		buckets[i] = Bucket{Min: -b.Max, Max: -b.Min, Count: b.Count}
	}
	return buckets
}

// ValueAsDouble returns the data point's value as a float64, or nil when
// neither the double nor the int variant is set. A set value of zero is
// still returned.
func ValueAsDouble(dp *metrics.NumberDataPoint) *float64 {
	var v float64
	switch value := dp.GetValue().(type) {
	case *metrics.NumberDataPoint_AsDouble:
		v = value.AsDouble
	case *metrics.NumberDataPoint_AsInt:
		v = float64(value.AsInt)
	default:
		return nil
	}
	return &v
}

// ConvertExemplars converts wire exemplars, hex encoding their ids.
func ConvertExemplars(exemplars []*metrics.Exemplar) ([]Exemplar, error) {
	out := make([]Exemplar, 0, len(exemplars))
	for _, e := range exemplars {
		attrs, err := flattenAttributes(ExemplarAttributesPrefix, e.GetFilteredAttributes())
		if err != nil {
			return nil, err
		}
		var value float64
		switch v := e.GetValue().(type) {
		case *metrics.Exemplar_AsDouble:
			value = v.AsDouble
		case *metrics.Exemplar_AsInt:
			value = float64(v.AsInt)
		}
		out = append(out, Exemplar{
			Time:       unixNanoToISO8601(e.GetTimeUnixNano()),
			Value:      value,
			Attributes: attrs,
			SpanID:     hex.EncodeToString(e.GetSpanId()),
			TraceID:    hex.EncodeToString(e.GetTraceId()),
		})
	}
	return out, nil
}
