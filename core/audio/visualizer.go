package audio

// Band edges for the visualizer averages, in Hz.
const (
	bassCutoff = 250.0
	midCutoff  = 4000.0
)

// Frame is one visualizer snapshot. Averages are normalized to [0,1].
type Frame struct {
	FrequencyBins []byte  `json:"frequencyBins"`
	BassAvg       float64 `json:"bassAvg"`
	MidAvg        float64 `json:"midAvg"`
	HighAvg       float64 `json:"highAvg"`
}

// Snapshot reads the analyser. Consumers poll it once per animation frame.
// Before the graph exists it returns an empty frame.
func (e *Engine) Snapshot() Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return Frame{}
	}
	bins := make([]byte, e.graph.analyser.FrequencyBinCount())
	e.graph.analyser.ByteFrequencyData(bins)
	f := Frame{FrequencyBins: bins}
	f.BassAvg, f.MidAvg, f.HighAvg = bandAverages(bins, e.graph.ctx.SampleRate())
	return f
}

// bandAverages splits bins by center frequency. Bin i of n covers
// i * (sampleRate/2) / n.
func bandAverages(bins []byte, sampleRate float64) (bass, mid, high float64) {
	n := len(bins)
	if n == 0 || sampleRate <= 0 {
		return 0, 0, 0
	}
	binHz := sampleRate / 2 / float64(n)
	var sums [3]float64
	var counts [3]int
	for i, v := range bins {
		freq := float64(i) * binHz
		band := 2
		switch {
		case freq < bassCutoff:
			band = 0
		case freq < midCutoff:
			band = 1
		}
		sums[band] += float64(v)
		counts[band]++
	}
	avg := func(b int) float64 {
		if counts[b] == 0 {
			return 0
		}
		return sums[b] / float64(counts[b]) / 255
	}
	return avg(0), avg(1), avg(2)
}
