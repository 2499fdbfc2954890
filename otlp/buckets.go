package otlp

import (
	"fmt"
	"math"
	"sync"
)

// DefaultMaxBucketIndex bounds the exponent indexes ExponentialBuckets will
// compute boundaries for. Requests outside ±DefaultMaxBucketIndex produce no
// buckets.
const DefaultMaxBucketIndex = 1024

// MinScale and MaxScale are the exponential histogram scales OTLP allows.
// Points with any other scale produce no buckets.
const (
	MinScale = -10
	MaxScale = 20
)

// Bucket is one histogram bucket covering [Min, Max).
type Bucket struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count uint64  `json:"count"`
}

// Sign says which side of zero the exponent indexes of a cached boundary
// table are on.
type Sign int

const (
	Positive Sign = iota
	Negative
)

func (s Sign) String() string {
	if s == Negative {
		return "NEGATIVE"
	}
	return "POSITIVE"
}

// BoundsKey identifies one table of exponential bucket boundaries.
type BoundsKey struct {
	Scale int32
	Sign  Sign
}

// BucketBuilder builds histogram buckets. Exponential boundaries are cached
// per BoundsKey for the lifetime of the builder and the cache is safe for
// concurrent use.
type BucketBuilder struct {
	maxIndex int
	bounds   sync.Map // BoundsKey -> []float64
}

// NewBucketBuilder returns a builder that refuses exponent indexes beyond
// ±maxIndex.
func NewBucketBuilder(maxIndex int) *BucketBuilder {
	if maxIndex <= 0 {
		maxIndex = DefaultMaxBucketIndex
	}
	return &BucketBuilder{maxIndex: maxIndex}
}

var defaultBucketBuilder = NewBucketBuilder(DefaultMaxBucketIndex)

// ExplicitBuckets builds buckets from explicit bounds. There must be exactly
// one more count than bounds; the outermost buckets are closed off at
// ±math.MaxFloat32.
func ExplicitBuckets(counts []uint64, bounds []float64) ([]Bucket, error) {
	if len(counts) != len(bounds)+1 {
		if len(counts) == 0 && len(bounds) == 0 {
			return []Bucket{}, nil
		}
		return nil, fmt.Errorf("%d bucket counts for %d explicit bounds: %w", len(counts), len(bounds), ErrInvalidArgument)
	}
	buckets := make([]Bucket, len(counts))
	for i, count := range counts {
		lower := -math.MaxFloat32
		if i > 0 {
			lower = bounds[i-1]
		}
		upper := math.MaxFloat32
		if i < len(bounds) {
			upper = bounds[i]
		}
		buckets[i] = Bucket{Min: lower, Max: upper, Count: count}
	}
	return buckets, nil
}

// ExponentialBuckets builds buckets using the package-wide builder.
func ExponentialBuckets(offset int32, counts []uint64, scale int32) []Bucket {
	return defaultBucketBuilder.ExponentialBuckets(offset, counts, scale)
}

// ExponentialBuckets builds the buckets of one side of an exponential
// histogram. With base = 2^(2^-scale), bucket k covers [base^k, base^(k+1))
// for k from offset up to offset+len(counts)-1. Ranges that reach past the
// builder's maximum index, and scales outside [MinScale, MaxScale], yield an
// empty slice.
func (b *BucketBuilder) ExponentialBuckets(offset int32, counts []uint64, scale int32) []Bucket {
	if scale < MinScale || scale > MaxScale {
		return []Bucket{}
	}
	first := int(offset)
	last := first + len(counts)
	if last > b.maxIndex || first < -b.maxIndex {
		return []Bucket{}
	}

	var positive, negative []float64
	if last > 0 {
		positive = b.boundaries(BoundsKey{Scale: scale, Sign: Positive})
	}
	if first < 0 {
		negative = b.boundaries(BoundsKey{Scale: scale, Sign: Negative})
	}
	boundary := func(index int) float64 {
		switch {
		case index < 0:
			return negative[-index]
		case index == 0:
			return 1
		}
		return positive[index]
	}

	buckets := make([]Bucket, len(counts))
	for i, count := range counts {
		k := first + i
		buckets[i] = Bucket{Min: boundary(k), Max: boundary(k + 1), Count: count}
	}
	return buckets
}

// boundaries returns base^i (Positive) or base^-i (Negative) for i in
// [0, maxIndex]. Concurrent misses may compute the same table twice; the
// first stored copy wins.
func (b *BucketBuilder) boundaries(key BoundsKey) []float64 {
	if cached, ok := b.bounds.Load(key); ok {
		return cached.([]float64)
	}
	step := math.Ldexp(1, -int(key.Scale))
	if key.Sign == Negative {
		step = -step
	}
	table := make([]float64, b.maxIndex+1)
	for i := range table {
		table[i] = math.Exp2(float64(i) * step)
	}
	actual, _ := b.bounds.LoadOrStore(key, table)
	return actual.([]float64)
}
