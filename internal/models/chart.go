package models

import (
	"math"
)

// ChartData is the bars-plus-indicators snapshot served to charting clients.
// Indicator values use pointers so warmup NaNs marshal as JSON null instead
// of failing to encode.
type ChartData struct {
	InstanceID string                `json:"instanceId"`
	Symbol     string                `json:"symbol"`
	Bars       []Bar                 `json:"bars"`
	Indicators map[string][]*float64 `json:"indicators"`
}

// NullableFloats converts a sequence to pointer form, mapping NaN and
// infinities to nil.
func NullableFloats(seq []float64) []*float64 {
	out := make([]*float64, len(seq))
	for i := range seq {
		v := seq[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		value := v
		out[i] = &value
	}
	return out
}
