package softaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"stemfm/core/audio"
	"stemfm/logger"
)

// Config selects the render format and the helpers used for decoding.
type Config struct {
	SampleRate int
	// Buffer is the output latency target.
	Buffer      time.Duration
	FFmpegPath  string
	FFprobePath string
	Output      Output
}

func DefaultConfig() Config {
	return Config{
		SampleRate: 48000,
		Buffer:     40 * time.Millisecond,
		FFmpegPath: "ffmpeg",
		Output:     DeviceOutput{},
	}
}

// Backend renders the engine's graph in software and plays it through an
// Output. It implements audio.Backend.
type Backend struct {
	cfg     Config
	decoder *Decoder
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Backend {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.Output == nil {
		cfg.Output = def.Output
	}
	if log == nil {
		log = logger.Named("softaudio")
	}
	return &Backend{
		cfg:     cfg,
		decoder: NewDecoder(cfg.FFmpegPath, cfg.FFprobePath, cfg.SampleRate),
		log:     log,
	}
}

func (b *Backend) NewContext() (audio.Context, error) {
	return newContext(b.cfg, b.log), nil
}

// NewElement starts loading src in the background. Load failures are
// reported through the element's error event and its Play result.
func (b *Backend) NewElement(src string) (audio.MediaElement, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: empty source", audio.ErrNotSupported)
	}
	el := newElement(src, b.cfg.SampleRate, b.log)
	go el.load(b.decoder)
	return el, nil
}

// Context is a software processing context. mu guards the topology, every
// Param and the render loop.
type Context struct {
	mu         sync.Mutex
	cfg        Config
	sampleRate float64
	state      audio.ContextState

	smu    sync.Mutex // serializes output lifecycle
	stream Stream

	frames  int64
	quantum int64
	dest    *node
	pcm     []byte
	pending []byte

	states *dispatcher[audio.ContextState]
	log    *zap.Logger
}

func newContext(cfg Config, log *zap.Logger) *Context {
	c := &Context{
		cfg:        cfg,
		sampleRate: float64(cfg.SampleRate),
		state:      audio.ContextSuspended,
		pcm:        make([]byte, quantumFrames*bytesPerFrame),
		states:     newDispatcher[audio.ContextState](16),
		log:        log,
	}
	c.dest = c.newNode(passThrough{})
	return c
}

func (c *Context) State() audio.ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTimeLocked()
}

func (c *Context) currentTimeLocked() float64 {
	return float64(c.frames) / c.sampleRate
}

func (c *Context) SampleRate() float64 { return c.sampleRate }

func (c *Context) Destination() audio.Node { return c.dest }

func (c *Context) OnStateChange(fn func(audio.ContextState)) { c.states.set(fn) }

// Resume opens the output on first use and starts pulling audio. Output
// calls are made without mu: the output reads through Read, which takes it.
func (c *Context) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", audio.ErrAborted, err)
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	switch c.State() {
	case audio.ContextClosed:
		return fmt.Errorf("%w: context closed", audio.ErrAborted)
	case audio.ContextRunning:
		return nil
	}
	if c.stream == nil {
		s, err := c.cfg.Output.Open(c, c.cfg.SampleRate, c.cfg.Buffer)
		if err != nil {
			return err
		}
		c.stream = s
	}
	c.stream.Play()
	c.setState(audio.ContextRunning)
	return nil
}

func (c *Context) Suspend(ctx context.Context) error {
	c.smu.Lock()
	defer c.smu.Unlock()
	switch c.State() {
	case audio.ContextClosed:
		return fmt.Errorf("%w: context closed", audio.ErrAborted)
	case audio.ContextSuspended:
		return nil
	}
	if c.stream != nil {
		c.stream.Pause()
	}
	c.setState(audio.ContextSuspended)
	return nil
}

// Interrupt marks the context interrupted, as a platform does when another
// application takes the output. Resume recovers it.
func (c *Context) Interrupt() {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.State() != audio.ContextRunning {
		return
	}
	if c.stream != nil {
		c.stream.Pause()
	}
	c.setState(audio.ContextInterrupted)
}

func (c *Context) Close() error {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.State() == audio.ContextClosed {
		return nil
	}
	c.setState(audio.ContextClosed)
	var err error
	if c.stream != nil {
		err = c.stream.Close()
		c.stream = nil
	}
	c.states.close()
	if err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

func (c *Context) setState(s audio.ContextState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Context) setStateLocked(s audio.ContextState) {
	if c.state == s {
		return
	}
	c.log.Debug("context state", zap.String("from", string(c.state)), zap.String("to", string(s)))
	c.state = s
	c.states.emit(s)
}

// Read renders interleaved signed 16-bit stereo. The output stream calls it
// from its own goroutine.
func (c *Context) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audio.ContextClosed {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		if len(c.pending) == 0 {
			c.renderQuantumLocked()
		}
		k := copy(p[n:], c.pending)
		c.pending = c.pending[k:]
		n += k
	}
	return n, nil
}

func (c *Context) renderQuantumLocked() {
	out := c.dest.pull(c.quantum, c.currentTimeLocked())
	for i, v := range out {
		binary.LittleEndian.PutUint16(c.pcm[2*i:], uint16(toInt16(v)))
	}
	c.pending = c.pcm
	c.quantum++
	c.frames += quantumFrames
}

func toInt16(v float32) int16 {
	if v != v {
		return 0
	}
	s := math.Round(float64(v) * 32767)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}
