package softaudio

import (
	"math"
	"sort"
)

type paramEvent struct {
	time  float64
	value float64
	ramp  bool
}

// Param is an automatable value. All access goes through the owning
// context's lock, which the render loop also holds.
//
// The timeline is an anchor (the last event already in the past) followed by
// future events. A ramp interpolates linearly from the preceding point.
type Param struct {
	ctx      *Context
	value    float64
	anchor   float64
	events   []paramEvent
	min, max float64
}

func newParam(c *Context, def, min, max float64) *Param {
	return &Param{ctx: c, value: def, min: min, max: max}
}

func (p *Param) Value() float64 {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	return p.valueAtLocked(p.ctx.currentTimeLocked())
}

func (p *Param) SetValueAtTime(v, t float64) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.insertLocked(paramEvent{time: t, value: v})
}

func (p *Param) LinearRampToValueAtTime(v, t float64) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.insertLocked(paramEvent{time: t, value: v, ramp: true})
}

// CancelScheduledValues drops every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time >= t })
	p.events = p.events[:i]
}

func (p *Param) insertLocked(ev paramEvent) {
	if math.IsNaN(ev.value) || math.IsNaN(ev.time) {
		return
	}
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > ev.time })
	p.events = append(p.events, paramEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = ev
}

func (p *Param) valueAtLocked(t float64) float64 {
	v, t0 := p.value, p.anchor
	for _, ev := range p.events {
		if ev.time <= t {
			v, t0 = ev.value, ev.time
			continue
		}
		if ev.ramp && ev.time > t0 {
			v += (ev.value - v) * (t - t0) / (ev.time - t0)
		}
		break
	}
	return p.clamp(v)
}

// pruneLocked folds events at or before t into the anchor.
func (p *Param) pruneLocked(t float64) {
	i := 0
	for i < len(p.events) && p.events[i].time <= t {
		p.value, p.anchor = p.events[i].value, p.events[i].time
		i++
	}
	if i > 0 {
		p.events = append(p.events[:0], p.events[i:]...)
	}
}

func (p *Param) clamp(v float64) float64 {
	if v < p.min {
		return p.min
	}
	if v > p.max {
		return p.max
	}
	return v
}
