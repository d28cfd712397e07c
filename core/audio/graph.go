package audio

import (
	"fmt"
	"time"
)

// AnalyserFFTSize is the fixed analysis resolution (128 frequency bins).
const AnalyserFFTSize = 256

// Graph owns the native context and the fixed node topology:
// source -> stem chains -> track gain -> master gain -> analyser -> output.
type Graph struct {
	ctx       Context
	master    GainNode
	trackGain GainNode
	analyser  AnalyserNode
	stems     *StemRouter
	ramp      time.Duration
}

// graphParams carries the initial gain values so a restored session is
// audible from the first sample.
type graphParams struct {
	ramp         time.Duration
	masterGain   float64
	stemsEnabled map[Stem]bool
}

func buildGraph(b Backend, p graphParams) (*Graph, error) {
	if b == nil {
		return nil, ErrUnavailable
	}
	ctx, err := b.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create audio context: %w", err)
	}
	if ctx == nil {
		return nil, ErrUnavailable
	}

	g := &Graph{
		ctx:       ctx,
		master:    ctx.NewGain(),
		trackGain: ctx.NewGain(),
		analyser:  ctx.NewAnalyser(),
		ramp:      p.ramp,
	}
	g.analyser.SetFFTSize(AnalyserFFTSize)

	now := ctx.CurrentTime()
	g.master.Gain().SetValueAtTime(p.masterGain, now)
	g.trackGain.Gain().SetValueAtTime(1, now)

	if err := g.trackGain.Connect(g.master); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("connect track gain: %w", err)
	}
	if err := g.master.Connect(g.analyser); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("connect master gain: %w", err)
	}
	if err := g.analyser.Connect(ctx.Destination()); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("connect analyser: %w", err)
	}

	g.stems, err = newStemRouter(ctx, g.trackGain, p.ramp, p.stemsEnabled)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	return g, nil
}

// rampParam moves p to target over d without a discontinuity.
func rampParam(ctx Context, p Param, target float64, d time.Duration) {
	now := ctx.CurrentTime()
	// Read before cancelling: the cancel drops an in-flight ramp's endpoint.
	cur := p.Value()
	p.CancelScheduledValues(now)
	p.SetValueAtTime(cur, now)
	p.LinearRampToValueAtTime(target, now+d.Seconds())
}

func (g *Graph) rampMaster(target float64) {
	rampParam(g.ctx, g.master.Gain(), target, g.ramp)
}

func (g *Graph) rampTrackGain(target float64) {
	rampParam(g.ctx, g.trackGain.Gain(), target, g.ramp)
}

func (g *Graph) close() error {
	g.stems.disconnect()
	g.trackGain.Disconnect()
	g.master.Disconnect()
	g.analyser.Disconnect()
	return g.ctx.Close()
}
