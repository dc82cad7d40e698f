package indicator

import "fmt"

// DefaultEMAPeriods are the periods tracked when none are configured.
var DefaultEMAPeriods = []int{20, 50, 100, 200}

// EMA computes the exponential moving average series. The first element is
// the simple average of the first period values; each following element uses
// multiplier 2/(period+1). The returned slice has len(values)-period+1
// entries.
func EMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ema period must be positive, got %d", period)
	}
	if len(values) < period {
		return nil, fmt.Errorf("ema needs %d values, got %d", period, len(values))
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)

	mult := 2.0 / float64(period+1)
	prev := seed
	for _, v := range values[period:] {
		prev = (v-prev)*mult + prev
		out = append(out, prev)
	}
	return out, nil
}

// LastEMA returns the most recent EMA value.
func LastEMA(values []float64, period int) (float64, error) {
	series, err := EMA(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}
