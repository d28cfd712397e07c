package audio

import (
	"fmt"
	"time"
)

type filterSpec struct {
	typ    FilterType
	freq   float64
	q      float64
	gainDB float64
}

// Stem isolation is a fixed-frequency approximation of a single mix.
var stemFilters = map[Stem][]filterSpec{
	StemDrums: {
		{typ: LowShelf, freq: 150, q: 1, gainDB: 6},
		{typ: HighShelf, freq: 8000, q: 1, gainDB: 3},
	},
	StemBass: {
		{typ: LowPass, freq: 200, q: 1},
	},
	StemSynth: {
		{typ: HighPass, freq: 200, q: 1},
		{typ: LowPass, freq: 4000, q: 1},
	},
	StemFX: {
		{typ: HighPass, freq: 4000, q: 0.5},
	},
}

type stemChain struct {
	filters []BiquadNode
	gain    GainNode
}

func (c *stemChain) head() Node { return c.filters[0] }

// StemRouter fans a source out into the four stem chains. It is the only
// code that touches stem gain nodes.
type StemRouter struct {
	ctx     Context
	ramp    time.Duration
	chains  map[Stem]*stemChain
	enabled map[Stem]bool
}

func newStemRouter(ctx Context, out Node, ramp time.Duration, enabled map[Stem]bool) (*StemRouter, error) {
	r := &StemRouter{
		ctx:     ctx,
		ramp:    ramp,
		chains:  make(map[Stem]*stemChain, len(AllStems)),
		enabled: make(map[Stem]bool, len(AllStems)),
	}
	now := ctx.CurrentTime()
	for _, s := range AllStems {
		on := true
		if v, ok := enabled[s]; ok {
			on = v
		}
		r.enabled[s] = on

		chain := &stemChain{gain: ctx.NewGain()}
		for _, spec := range stemFilters[s] {
			f := ctx.NewBiquad()
			f.SetType(spec.typ)
			f.Frequency().SetValueAtTime(spec.freq, now)
			f.Q().SetValueAtTime(spec.q, now)
			f.Gain().SetValueAtTime(spec.gainDB, now)
			if n := len(chain.filters); n > 0 {
				if err := chain.filters[n-1].Connect(f); err != nil {
					return nil, fmt.Errorf("wire %s filter chain: %w", s, err)
				}
			}
			chain.filters = append(chain.filters, f)
		}
		if err := chain.filters[len(chain.filters)-1].Connect(chain.gain); err != nil {
			return nil, fmt.Errorf("wire %s gain: %w", s, err)
		}
		chain.gain.Gain().SetValueAtTime(stemGain(on), now)
		if err := chain.gain.Connect(out); err != nil {
			return nil, fmt.Errorf("wire %s output: %w", s, err)
		}
		r.chains[s] = chain
	}
	return r, nil
}

func stemGain(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

// Attach connects a fresh source to the head of every chain. Sources are
// single-use, so this runs on every track change.
func (r *StemRouter) Attach(src Node) error {
	for _, s := range AllStems {
		if err := src.Connect(r.chains[s].head()); err != nil {
			return fmt.Errorf("attach source to %s: %w", s, err)
		}
	}
	return nil
}

// SetEnabled ramps the stem's gain to 1 or 0.
func (r *StemRouter) SetEnabled(s Stem, on bool) {
	chain, ok := r.chains[s]
	if !ok {
		return
	}
	r.enabled[s] = on
	rampParam(r.ctx, chain.gain.Gain(), stemGain(on), r.ramp)
}

// Toggle flips a stem and returns its new enabled flag.
func (r *StemRouter) Toggle(s Stem) bool {
	on := !r.enabled[s]
	r.SetEnabled(s, on)
	return on
}

func (r *StemRouter) Enabled(s Stem) bool { return r.enabled[s] }

func (r *StemRouter) disconnect() {
	for _, chain := range r.chains {
		for _, f := range chain.filters {
			f.Disconnect()
		}
		chain.gain.Disconnect()
	}
}
