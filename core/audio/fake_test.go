package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"stemfm/model"
)

// fakeParam keeps a timeline like a native param. value is the most recent
// SetValueAtTime, target the value the timeline settles on. steps records
// every SetValueAtTime after the first that jumps away from the value
// audible at that instant.
type fakeParam struct {
	now    *float64
	base   float64
	value  float64
	target float64
	set    bool
	events []fakeParamEvent
	steps  []float64

	// heard is the value audible at heardAt when the timeline was last
	// cancelled, since the cancel itself may drop the event that produced it.
	heard   float64
	heardAt float64
	held    bool
}

type fakeParamEvent struct {
	time, value float64
	ramp        bool
}

func newFakeParam(now *float64, v float64) fakeParam {
	return fakeParam{now: now, base: v, value: v, target: v}
}

func (p *fakeParam) currentTime() float64 {
	if p.now == nil {
		return 0
	}
	return *p.now
}

func (p *fakeParam) at(t float64) float64 {
	v, t0 := p.base, 0.0
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
	return v
}

func (p *fakeParam) Value() float64 { return p.at(p.currentTime()) }

func (p *fakeParam) SetValueAtTime(v, t float64) {
	cur := p.at(t)
	if p.held && t == p.heardAt {
		cur = p.heard
	}
	if p.set && math.Abs(cur-v) > 1e-9 {
		p.steps = append(p.steps, v-cur)
	}
	p.set, p.held = true, false
	p.value = v
	p.insert(fakeParamEvent{time: t, value: v})
}

func (p *fakeParam) LinearRampToValueAtTime(v, t float64) {
	p.insert(fakeParamEvent{time: t, value: v, ramp: true})
}

func (p *fakeParam) CancelScheduledValues(t float64) {
	p.heard, p.heardAt, p.held = p.at(t), t, true
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time >= t })
	p.events = p.events[:i]
	p.target = p.at(math.Inf(1))
}

func (p *fakeParam) insert(ev fakeParamEvent) {
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > ev.time })
	p.events = append(p.events, fakeParamEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = ev
	p.target = p.at(math.Inf(1))
}

type fakeNode struct {
	outputs      []Node
	disconnected bool
}

func (n *fakeNode) Connect(dst Node) error {
	n.outputs = append(n.outputs, dst)
	n.disconnected = false
	return nil
}

func (n *fakeNode) Disconnect() {
	n.outputs = nil
	n.disconnected = true
}

type fakeGain struct {
	fakeNode
	gain fakeParam
}

func (g *fakeGain) Gain() Param { return &g.gain }

type fakeBiquad struct {
	fakeNode
	typ             FilterType
	freq, q, gainDB fakeParam
}

func (b *fakeBiquad) SetType(t FilterType) { b.typ = t }
func (b *fakeBiquad) Frequency() Param     { return &b.freq }
func (b *fakeBiquad) Q() Param             { return &b.q }
func (b *fakeBiquad) Gain() Param          { return &b.gainDB }

type fakeAnalyser struct {
	fakeNode
	fftSize int
	data    []byte
}

func (a *fakeAnalyser) SetFFTSize(n int)       { a.fftSize = n }
func (a *fakeAnalyser) FrequencyBinCount() int { return a.fftSize / 2 }
func (a *fakeAnalyser) ByteFrequencyData(dst []byte) {
	copy(dst, a.data)
}

type fakeSource struct {
	fakeNode
	el *fakeElement
}

type fakeContext struct {
	time         float64
	state        ContextState
	resumeErr    error
	resumeCalls  int
	suspendCalls int
	closed       bool
	dest         fakeNode
	analyser     *fakeAnalyser
	sources      []*fakeSource
	bound        map[MediaElement]bool
	onState      func(ContextState)
}

func (c *fakeContext) State() ContextState  { return c.state }
func (c *fakeContext) CurrentTime() float64 { return c.time }
func (c *fakeContext) SampleRate() float64  { return 48000 }

func (c *fakeContext) Resume(context.Context) error {
	c.resumeCalls++
	if c.resumeErr != nil {
		return c.resumeErr
	}
	c.state = ContextRunning
	return nil
}

func (c *fakeContext) Suspend(context.Context) error {
	c.suspendCalls++
	c.state = ContextSuspended
	return nil
}

func (c *fakeContext) Close() error {
	c.closed = true
	c.state = ContextClosed
	return nil
}

func (c *fakeContext) Destination() Node { return &c.dest }
func (c *fakeContext) NewGain() GainNode { return &fakeGain{gain: newFakeParam(&c.time, 1)} }
func (c *fakeContext) NewBiquad() BiquadNode {
	return &fakeBiquad{
		freq:   newFakeParam(&c.time, 350),
		q:      newFakeParam(&c.time, 1),
		gainDB: newFakeParam(&c.time, 0),
	}
}

func (c *fakeContext) NewAnalyser() AnalyserNode {
	c.analyser = &fakeAnalyser{}
	return c.analyser
}

func (c *fakeContext) NewMediaSource(el MediaElement) (Node, error) {
	if c.bound[el] {
		return nil, errors.New("element already bound to a source")
	}
	c.bound[el] = true
	s := &fakeSource{el: el.(*fakeElement)}
	c.sources = append(c.sources, s)
	return s, nil
}

func (c *fakeContext) OnStateChange(fn func(ContextState)) { c.onState = fn }

// liveSources counts source nodes still connected to the graph.
func (c *fakeContext) liveSources() int {
	n := 0
	for _, s := range c.sources {
		if !s.disconnected {
			n++
		}
	}
	return n
}

type fakeElement struct {
	mu        sync.Mutex
	src       string
	paused    bool
	closed    bool
	playCalls int
	playErr   error
	rate      float64
	duration  float64
	current   float64
	handler   func(ElementEvent)
}

func (el *fakeElement) Src() string { return el.src }

func (el *fakeElement) Play(context.Context) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.playCalls++
	if el.playErr != nil {
		return el.playErr
	}
	el.paused = false
	return nil
}

func (el *fakeElement) Pause() {
	el.mu.Lock()
	el.paused = true
	el.mu.Unlock()
}

func (el *fakeElement) Paused() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.paused
}

func (el *fakeElement) CurrentTime() float64      { return el.current }
func (el *fakeElement) SetCurrentTime(t float64)  { el.current = t }
func (el *fakeElement) Duration() float64         { return el.duration }
func (el *fakeElement) PlaybackRate() float64     { return el.rate }
func (el *fakeElement) SetPlaybackRate(r float64) { el.rate = r }

func (el *fakeElement) Close() {
	el.mu.Lock()
	el.closed = true
	el.paused = true
	el.mu.Unlock()
}

func (el *fakeElement) SetHandler(fn func(ElementEvent)) {
	el.mu.Lock()
	el.handler = fn
	el.mu.Unlock()
}

// emit delivers ev the way a native element would: outside any method call.
func (el *fakeElement) emit(ev ElementEventType) {
	el.mu.Lock()
	fn := el.handler
	el.mu.Unlock()
	if fn != nil {
		fn(ElementEvent{Type: ev})
	}
}

type fakeBackend struct {
	ctxErr     error
	ctxCalls   int
	ctx        *fakeContext
	playErr    error
	elementErr error
	elements   []*fakeElement
}

func (b *fakeBackend) NewContext() (Context, error) {
	b.ctxCalls++
	if b.ctxErr != nil {
		return nil, b.ctxErr
	}
	b.ctx = &fakeContext{state: ContextSuspended, bound: make(map[MediaElement]bool)}
	return b.ctx, nil
}

func (b *fakeBackend) NewElement(src string) (MediaElement, error) {
	if b.elementErr != nil {
		return nil, b.elementErr
	}
	el := &fakeElement{src: src, paused: true, rate: 1, duration: math.NaN(), playErr: b.playErr}
	b.elements = append(b.elements, el)
	return el, nil
}

func (b *fakeBackend) last() *fakeElement { return b.elements[len(b.elements)-1] }

type recordingObserver struct {
	mu       sync.Mutex
	playing  []bool
	paused   int
	contexts []ContextState
}

func (o *recordingObserver) PlaybackChanged(p bool) {
	o.mu.Lock()
	o.playing = append(o.playing, p)
	o.mu.Unlock()
}

func (o *recordingObserver) ElementPaused() {
	o.mu.Lock()
	o.paused++
	o.mu.Unlock()
}

func (o *recordingObserver) ContextStateChanged(s ContextState) {
	o.mu.Lock()
	o.contexts = append(o.contexts, s)
	o.mu.Unlock()
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testCatalog(n int) []model.Track {
	released := testEpoch.AddDate(-1, 0, 0)
	tracks := make([]model.Track, n)
	for i := range tracks {
		tracks[i] = model.Track{
			Title:       fmt.Sprintf("track-%d", i),
			Src:         fmt.Sprintf("/music/track-%d.flac", i),
			ReleaseDate: &released,
		}
	}
	return tracks
}

func newTestEngine(t *testing.T, n int, opts ...Option) (*Engine, *fakeBackend, *clock.Mock) {
	t.Helper()
	b := &fakeBackend{}
	clk := clock.NewMock()
	clk.Set(testEpoch)
	all := append([]Option{WithClock(clk), WithLogger(zaptest.NewLogger(t))}, opts...)
	e := New(testCatalog(n), b, all...)
	t.Cleanup(func() { _ = e.Close() })
	return e, b, clk
}

func gainOf(n GainNode) *fakeParam { return &n.(*fakeGain).gain }
