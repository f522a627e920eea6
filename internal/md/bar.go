package md

import "time"

// Bar is one OHLCV interval, oldest first when held in a slice.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
