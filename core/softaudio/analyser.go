package softaudio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"stemfm/core/audio"
)

const (
	defaultFFTSize  = 2048
	minDecibels     = -100.0
	maxDecibels     = -30.0
	smoothingFactor = 0.8
)

// AnalyserNode passes audio through unchanged and keeps the most recent
// fftSize mono samples for spectrum reads.
type AnalyserNode struct {
	*node
	size     int
	ring     []float64
	write    int
	window   []float64
	fft      *fourier.FFT
	seq      []float64
	spectrum []complex128
	smoothed []float64
}

func (c *Context) NewAnalyser() audio.AnalyserNode {
	a := &AnalyserNode{}
	a.node = c.newNode(a)
	a.resize(defaultFFTSize)
	return a
}

// SetFFTSize accepts powers of two between 32 and 32768.
func (a *AnalyserNode) SetFFTSize(n int) {
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		return
	}
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	a.resize(n)
}

func (a *AnalyserNode) resize(n int) {
	a.size = n
	a.ring = make([]float64, n)
	a.write = 0
	a.window = blackman(n)
	a.fft = fourier.NewFFT(n)
	a.seq = make([]float64, n)
	a.spectrum = make([]complex128, n/2+1)
	a.smoothed = make([]float64, n/2)
}

func (a *AnalyserNode) FrequencyBinCount() int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	return a.size / 2
}

func (a *AnalyserNode) process(in, out []float32, _ float64) {
	copy(out, in)
	for i := 0; i < quantumFrames; i++ {
		a.ring[a.write] = float64(in[2*i]+in[2*i+1]) / 2
		a.write = (a.write + 1) % a.size
	}
}

// ByteFrequencyData writes the smoothed magnitude spectrum mapped linearly
// from [minDecibels, maxDecibels] onto 0..255.
func (a *AnalyserNode) ByteFrequencyData(dst []byte) {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()

	n := a.size
	for i := 0; i < n; i++ {
		a.seq[i] = a.ring[(a.write+i)%n] * a.window[i]
	}
	a.spectrum = a.fft.Coefficients(a.spectrum, a.seq)

	bins := n / 2
	if len(dst) < bins {
		bins = len(dst)
	}
	for k := 0; k < n/2; k++ {
		mag := cmplx.Abs(a.spectrum[k]) / float64(n)
		a.smoothed[k] = smoothingFactor*a.smoothed[k] + (1-smoothingFactor)*mag
	}
	for k := 0; k < bins; k++ {
		db := minDecibels
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		dst[k] = byte(math.Max(0, math.Min(255, scaled)))
	}
}

// blackman is the window the browser analyser uses (alpha 0.16).
func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
