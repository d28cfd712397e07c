package softaudio

import (
	"errors"
	"fmt"

	"stemfm/core/audio"
)

// quantumFrames is the render block size.
const quantumFrames = 128

var errCycle = errors.New("connection would create a cycle")

// processor renders one quantum. in holds the summed inputs, out receives the
// result; both are interleaved stereo of quantumFrames frames. t0 is the
// context time of the first frame.
type processor interface {
	process(in, out []float32, t0 float64)
}

// node is the graph vertex shared by every node type. Topology and caches
// are guarded by the context lock.
type node struct {
	ctx     *Context
	proc    processor
	inputs  []*node
	outputs []*node

	cachedQ int64
	in, out []float32
}

func (c *Context) newNode(p processor) *node {
	return &node{
		ctx:     c,
		proc:    p,
		cachedQ: -1,
		in:      make([]float32, quantumFrames*2),
		out:     make([]float32, quantumFrames*2),
	}
}

type graphNode interface {
	base() *node
}

func (n *node) base() *node { return n }

func (n *node) Connect(dst audio.Node) error {
	g, ok := dst.(graphNode)
	if !ok {
		return fmt.Errorf("%w: foreign node %T", audio.ErrNotSupported, dst)
	}
	d := g.base()
	if d.ctx != n.ctx {
		return fmt.Errorf("%w: node belongs to another context", audio.ErrNotSupported)
	}

	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	for _, o := range n.outputs {
		if o == d {
			return nil
		}
	}
	if d == n || d.reaches(n) {
		return errCycle
	}
	n.outputs = append(n.outputs, d)
	d.inputs = append(d.inputs, n)
	return nil
}

// Disconnect removes every outgoing connection.
func (n *node) Disconnect() {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	for _, d := range n.outputs {
		d.inputs = removeNode(d.inputs, n)
	}
	n.outputs = nil
}

func (n *node) reaches(target *node) bool {
	for _, o := range n.outputs {
		if o == target || o.reaches(target) {
			return true
		}
	}
	return false
}

func removeNode(list []*node, n *node) []*node {
	out := list[:0]
	for _, x := range list {
		if x != n {
			out = append(out, x)
		}
	}
	return out
}

// pull renders quantum q once and caches it, so fan-out reuses the block.
func (n *node) pull(q int64, t0 float64) []float32 {
	if n.cachedQ == q {
		return n.out
	}
	n.cachedQ = q
	for i := range n.in {
		n.in[i] = 0
	}
	for _, src := range n.inputs {
		block := src.pull(q, t0)
		for i, v := range block {
			n.in[i] += v
		}
	}
	n.proc.process(n.in, n.out, t0)
	return n.out
}

type passThrough struct{}

func (passThrough) process(in, out []float32, _ float64) { copy(out, in) }

// GainNode scales its input by an a-rate gain.
type GainNode struct {
	*node
	gain *Param
}

func (c *Context) NewGain() audio.GainNode {
	g := &GainNode{}
	g.gain = newParam(c, 1, -maxParam, maxParam)
	g.node = c.newNode(g)
	return g
}

func (g *GainNode) Gain() audio.Param { return g.gain }

func (g *GainNode) process(in, out []float32, t0 float64) {
	g.gain.pruneLocked(t0)
	dt := 1 / g.ctx.sampleRate
	for f := 0; f < quantumFrames; f++ {
		v := float32(g.gain.valueAtLocked(t0 + float64(f)*dt))
		out[2*f] = in[2*f] * v
		out[2*f+1] = in[2*f+1] * v
	}
}

// sourceNode renders a bound media element.
type sourceNode struct {
	*node
	el *Element
}

func (s *sourceNode) process(_, out []float32, _ float64) {
	s.el.render(out, s.ctx.sampleRate)
}

func (c *Context) NewMediaSource(el audio.MediaElement) (audio.Node, error) {
	e, ok := el.(*Element)
	if !ok {
		return nil, fmt.Errorf("%w: element %T was not created by this backend", audio.ErrNotSupported, el)
	}
	if err := e.bind(); err != nil {
		return nil, err
	}
	s := &sourceNode{el: e}
	s.node = c.newNode(s)
	return s, nil
}

const maxParam = 3.4e38
