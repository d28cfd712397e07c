package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"stemfm/logger"
	"stemfm/model"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("audio engine closed")

// Config tunes the engine's timing.
type Config struct {
	// RampTime is the smoothing window for every gain change.
	RampTime time.Duration
	// CrossfadeDuration is how long a crossfade takes once the incoming
	// element can play through.
	CrossfadeDuration time.Duration
	// CrossfadeEnabled makes natural track ends crossfade into the next track.
	CrossfadeEnabled bool
	// FrameInterval is the crossfade sampling cadence.
	FrameInterval time.Duration
	// PlayTimeout bounds a single native play or resume call, and how long a
	// crossfade waits for the incoming element to buffer.
	PlayTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		RampTime:          50 * time.Millisecond,
		CrossfadeDuration: 2 * time.Second,
		FrameInterval:     16 * time.Millisecond,
		PlayTimeout:       10 * time.Second,
	}
}

// SourceResolver turns a catalog src into something the Backend can open.
type SourceResolver interface {
	Resolve(ctx context.Context, src string) (string, error)
}

// ResolverFunc adapts a function to SourceResolver.
type ResolverFunc func(ctx context.Context, src string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, src string) (string, error) { return f(ctx, src) }

var identityResolver = ResolverFunc(func(_ context.Context, src string) (string, error) { return src, nil })

// Observer receives engine notifications after the engine lock is released.
type Observer interface {
	PlaybackChanged(playing bool)
	// ElementPaused fires when the primary element paused although the
	// engine still believes it is playing.
	ElementPaused()
	ContextStateChanged(s ContextState)
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithResolver(r SourceResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// binding is one element and its source node wired into the graph through a
// private gain. A binding is never reused after teardown.
type binding struct {
	gen    uint64
	index  int
	el     MediaElement
	source Node
	gain   GainNode
}

func (b *binding) teardown() {
	b.el.Pause()
	b.el.SetHandler(nil)
	b.source.Disconnect()
	b.gain.Disconnect()
	b.el.Close()
}

// Engine is the audio engine: one graph, one primary binding, one state.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	backend  Backend
	resolver SourceResolver
	clock    clock.Clock
	log      *zap.Logger

	tracks  []model.Track
	graph   *Graph
	initErr *AudioError
	primary *binding
	nextGen uint64

	state PlaybackState
	dirty bool

	xfade         *crossfade
	xfadeSeq      uint64
	xfadeProgress float64

	onError     func(*AudioError)
	subs        map[int]func(PlaybackState)
	nextSub     int
	observers   []Observer
	lastPlaying bool
	pendingErrs []*AudioError
	pausedHint  bool

	closed bool
}

// New builds an engine over the released subset of tracks. The native graph
// is not created until the first play intent.
func New(tracks []model.Track, backend Backend, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		backend:  backend,
		resolver: identityResolver,
		clock:    clock.New(),
		log:      logger.Named("audio"),
		state:    newPlaybackState(),
		subs:     make(map[int]func(PlaybackState)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracks = model.Available(tracks, e.clock.Now())
	return e
}

// Tracks returns the playable catalog the indices refer to.
func (e *Engine) Tracks() []model.Track {
	out := make([]model.Track, len(e.tracks))
	copy(out, e.tracks)
	return out
}

// State returns a snapshot of the playback state.
func (e *Engine) State() PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Subscribe registers fn for state changes and returns its cancel func.
func (e *Engine) Subscribe(fn func(PlaybackState)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// SetErrorHandler registers the single error callback.
func (e *Engine) SetErrorHandler(fn func(*AudioError)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// AddObserver registers o for playback, pause and context notifications.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// RestoreSession applies a persisted session. Out of range track indices are
// ignored.
func (e *Engine) RestoreSession(s Session) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return
	}
	if s.TrackIndex >= 0 && s.TrackIndex < len(e.tracks) && e.primary == nil {
		e.state.CurrentTrackIndex = s.TrackIndex
	}
	e.state.Volume = clamp01(s.Volume)
	e.state.IsMuted = s.Muted
	for _, st := range AllStems {
		if on, ok := s.Stems[st]; ok {
			e.state.Stems[st] = on
			if e.graph != nil {
				e.graph.stems.SetEnabled(st, on)
			}
		}
	}
	if e.graph != nil {
		e.graph.rampMaster(e.masterTarget())
	}
	e.dirty = true
}

// Close releases every native resource. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return nil
	}
	e.closed = true
	e.cancelCrossfadeLocked()
	if e.primary != nil {
		e.primary.teardown()
		e.primary = nil
	}
	if e.state.IsPlaying {
		e.state.IsPlaying = false
		e.dirty = true
	}
	if e.graph != nil {
		err := e.graph.close()
		e.graph = nil
		if err != nil {
			return fmt.Errorf("close audio context: %w", err)
		}
	}
	return nil
}

// ensureGraph builds the graph on first use. A failure is sticky.
func (e *Engine) ensureGraph() error {
	if e.graph != nil {
		return nil
	}
	if e.initErr != nil {
		return e.initErr
	}
	g, err := buildGraph(e.backend, graphParams{
		ramp:         e.cfg.RampTime,
		masterGain:   e.masterTarget(),
		stemsEnabled: e.state.Stems,
	})
	if err != nil {
		e.initErr = newAudioError(ErrorInit, fmt.Sprintf("audio engine unavailable: %v", err), err, -1)
		e.log.Error("failed to build audio graph", zap.Error(err))
		e.reportLocked(e.initErr)
		return e.initErr
	}
	e.graph = g
	e.state.IsInitialized = true
	e.dirty = true
	g.ctx.OnStateChange(e.contextStateChanged)
	e.log.Info("audio graph ready", zap.Float64("sampleRate", g.ctx.SampleRate()))
	return nil
}

func (e *Engine) contextStateChanged(s ContextState) {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.ContextStateChanged(s)
	}
}

func (e *Engine) masterTarget() float64 {
	if e.state.IsMuted {
		return 0
	}
	return e.state.Volume
}

// bindLocked creates a new element for tracks[index] and wires it through a
// private gain into the stem router.
func (e *Engine) bindLocked(ctx context.Context, index int, gain float64) (*binding, *AudioError) {
	track := e.tracks[index]
	src, err := e.resolver.Resolve(ctx, track.Src)
	if err != nil {
		return nil, newAudioError(ErrorLoad, fmt.Sprintf("could not resolve %q: %v", track.Title, err), err, index)
	}
	el, err := e.backend.NewElement(src)
	if err != nil {
		return nil, newAudioError(ErrorLoad, fmt.Sprintf("could not load %q: %v", track.Title, err), err, index)
	}
	source, err := e.graph.ctx.NewMediaSource(el)
	if err != nil {
		el.Close()
		return nil, newAudioError(ErrorLoad, fmt.Sprintf("could not attach %q: %v", track.Title, err), err, index)
	}
	g := e.graph.ctx.NewGain()
	g.Gain().SetValueAtTime(gain, e.graph.ctx.CurrentTime())
	if err := source.Connect(g); err != nil {
		source.Disconnect()
		el.Close()
		return nil, newAudioError(ErrorLoad, fmt.Sprintf("could not connect %q: %v", track.Title, err), err, index)
	}
	if err := e.graph.stems.Attach(g); err != nil {
		source.Disconnect()
		g.Disconnect()
		el.Close()
		return nil, newAudioError(ErrorLoad, fmt.Sprintf("could not route %q: %v", track.Title, err), err, index)
	}

	e.nextGen++
	b := &binding{gen: e.nextGen, index: index, el: el, source: source, gain: g}
	gen := b.gen
	el.SetHandler(func(ev ElementEvent) { e.handleElementEvent(gen, ev) })
	return b, nil
}

// reportLocked records ae in the state and queues it for the error handler.
func (e *Engine) reportLocked(ae *AudioError) {
	e.state.Error = ae
	e.pendingErrs = append(e.pendingErrs, ae)
	e.dirty = true
	e.log.Warn("audio error",
		zap.String("type", string(ae.Type)),
		zap.String("message", ae.Message),
	)
}

func (e *Engine) clearErrorLocked() {
	if e.state.Error != nil {
		e.state.Error = nil
		e.dirty = true
	}
}

func (e *Engine) setPlayingLocked(playing bool) {
	if e.state.IsPlaying != playing {
		e.state.IsPlaying = playing
		e.dirty = true
	}
}

// unlockAndNotify releases the lock and then delivers queued errors, state
// and observer notifications, so callbacks may call back into the engine.
func (e *Engine) unlockAndNotify() {
	errs := e.pendingErrs
	e.pendingErrs = nil
	onErr := e.onError

	var snap PlaybackState
	var subs []func(PlaybackState)
	if e.dirty {
		e.dirty = false
		snap = e.state.clone()
		subs = make([]func(PlaybackState), 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
	}

	var obs []Observer
	playingChanged := e.state.IsPlaying != e.lastPlaying
	playing := e.state.IsPlaying
	e.lastPlaying = playing
	paused := e.pausedHint
	e.pausedHint = false
	if playingChanged || paused {
		obs = append(obs, e.observers...)
	}
	e.mu.Unlock()

	if onErr != nil {
		for _, ae := range errs {
			onErr(ae)
		}
	}
	for _, fn := range subs {
		fn(snap)
	}
	for _, o := range obs {
		if playingChanged {
			o.PlaybackChanged(playing)
		}
		if paused {
			o.ElementPaused()
		}
	}
}

func (e *Engine) playContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if e.cfg.PlayTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.cfg.PlayTimeout)
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
