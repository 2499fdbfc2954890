package otlp

import (
	"fmt"
	"time"
)

// NanosToISO8601 formats nanoseconds since the Unix epoch as an RFC 3339 UTC
// timestamp with as many fractional digits as are needed.
func NanosToISO8601(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}

// ISO8601ToNanos is the inverse of NanosToISO8601.
func ISO8601ToNanos(ts string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, fmt.Errorf("parsing timestamp %q: %w", ts, err)
	}
	return t.UnixNano(), nil
}

// wire timestamps are fixed64
func unixNanoToISO8601(nanos uint64) string {
	return NanosToISO8601(int64(nanos))
}
