package softaudio

import (
	"math"

	"stemfm/core/audio"
)

// coeffs are normalized biquad coefficients (a0 == 1).
type coeffs struct {
	b0, b1, b2, a1, a2 float64
}

// design returns the cookbook response for typ. Shelves use slope 1 and
// ignore q, pass filters use q directly.
func design(typ audio.FilterType, freq, q, gainDB, sampleRate float64) coeffs {
	nyquist := sampleRate / 2
	if freq <= 0 {
		freq = 1
	}
	if freq >= nyquist {
		freq = nyquist * 0.999
	}
	if q <= 0 {
		q = 1e-4
	}

	w0 := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w0), math.Sin(w0)

	var b0, b1, b2, a0, a1, a2 float64
	switch typ {
	case audio.HighPass:
		alpha := sinw / (2 * q)
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
		b2 = (1 + cosw) / 2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case audio.LowShelf:
		a := math.Pow(10, gainDB/40)
		k := 2 * math.Sqrt(a) * sinw / 2 * math.Sqrt2
		b0 = a * ((a + 1) - (a-1)*cosw + k)
		b1 = 2 * a * ((a - 1) - (a+1)*cosw)
		b2 = a * ((a + 1) - (a-1)*cosw - k)
		a0 = (a + 1) + (a-1)*cosw + k
		a1 = -2 * ((a - 1) + (a+1)*cosw)
		a2 = (a + 1) + (a-1)*cosw - k
	case audio.HighShelf:
		a := math.Pow(10, gainDB/40)
		k := 2 * math.Sqrt(a) * sinw / 2 * math.Sqrt2
		b0 = a * ((a + 1) + (a-1)*cosw + k)
		b1 = -2 * a * ((a - 1) + (a+1)*cosw)
		b2 = a * ((a + 1) + (a-1)*cosw - k)
		a0 = (a + 1) - (a-1)*cosw + k
		a1 = 2 * ((a - 1) - (a+1)*cosw)
		a2 = (a + 1) - (a-1)*cosw - k
	default: // lowpass
		alpha := sinw / (2 * q)
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
		b2 = (1 - cosw) / 2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	}
	return coeffs{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// section is a transposed direct form II biquad.
type section struct {
	z1, z2 float64
}

func (s *section) tick(c coeffs, x float64) float64 {
	y := c.b0*x + s.z1
	s.z1 = c.b1*x - c.a1*y + s.z2
	s.z2 = c.b2*x - c.a2*y
	return y
}

// BiquadNode is a second order filter. Its parameters are k-rate: the
// coefficients are recomputed at most once per quantum.
type BiquadNode struct {
	*node
	typ       audio.FilterType
	frequency *Param
	q         *Param
	gain      *Param

	current coeffs
	key     [4]float64
	ch      [2]section
}

func (c *Context) NewBiquad() audio.BiquadNode {
	b := &BiquadNode{
		typ:       audio.LowPass,
		frequency: newParam(c, 350, 0, c.sampleRate/2),
		q:         newParam(c, 1, 1e-4, 1000),
		gain:      newParam(c, 0, -40, 40),
	}
	b.node = c.newNode(b)
	b.key[0] = -1
	return b
}

func (b *BiquadNode) SetType(t audio.FilterType) {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	b.typ = t
	b.key[0] = -1
}

func (b *BiquadNode) Frequency() audio.Param { return b.frequency }
func (b *BiquadNode) Q() audio.Param         { return b.q }
func (b *BiquadNode) Gain() audio.Param      { return b.gain }

func (b *BiquadNode) process(in, out []float32, t0 float64) {
	for _, p := range []*Param{b.frequency, b.q, b.gain} {
		p.pruneLocked(t0)
	}
	f := b.frequency.valueAtLocked(t0)
	q := b.q.valueAtLocked(t0)
	g := b.gain.valueAtLocked(t0)
	if key := [4]float64{0, f, q, g}; key != b.key {
		b.current = design(b.typ, f, q, g, b.ctx.sampleRate)
		b.key = key
	}
	for i := 0; i < quantumFrames; i++ {
		out[2*i] = float32(b.ch[0].tick(b.current, float64(in[2*i])))
		out[2*i+1] = float32(b.ch[1].tick(b.current, float64(in[2*i+1])))
	}
}
