package metrics

// Summary aggregates the samples currently in the ring buffer.
type Summary struct {
	Count        int      `json:"count"`
	SuccessRate  float64  `json:"successRate"`
	ErrorRate    float64  `json:"errorRate"`
	AvgLatencyMs float64  `json:"avgLatencyMs"`
	AvgChunks    float64  `json:"avgChunks"`
	AvgCost      *float64 `json:"avgCost"`
	WindowSize   int      `json:"windowSize"`
}

// Summary computes window statistics. Averages over optional fields only
// count samples that carry them; AvgCost is nil when no sample was priced.
func (t *Tracker) Summary() Summary {
	samples := t.Recent()
	sum := Summary{Count: len(samples), WindowSize: len(t.ring)}
	if len(samples) == 0 {
		return sum
	}

	var (
		ok, chunkN, costN    int
		latency, chunks, usd float64
	)
	for _, s := range samples {
		if s.Success {
			ok++
		}
		latency += float64(s.LatencyMs)
		if s.ChunksReturned != nil {
			chunks += float64(*s.ChunksReturned)
			chunkN++
		}
		if s.CostEstimate != nil {
			usd += *s.CostEstimate
			costN++
		}
	}

	n := float64(len(samples))
	sum.SuccessRate = float64(ok) / n
	sum.ErrorRate = 1 - sum.SuccessRate
	sum.AvgLatencyMs = latency / n
	if chunkN > 0 {
		sum.AvgChunks = chunks / float64(chunkN)
	}
	if costN > 0 {
		avg := usd / float64(costN)
		sum.AvgCost = &avg
	}
	return sum
}
