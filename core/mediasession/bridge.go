package mediasession

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"stemfm/core/audio"
	"stemfm/logger"
	"stemfm/model"
)

// Action is a hardware or lock-screen transport control.
type Action string

const (
	ActionPlay         Action = "play"
	ActionPause        Action = "pause"
	ActionPrevious     Action = "previoustrack"
	ActionNext         Action = "nexttrack"
	ActionSeekTo       Action = "seekto"
	ActionSeekBackward Action = "seekbackward"
	ActionSeekForward  Action = "seekforward"
)

// AllActions lists every action the bridge relays.
var AllActions = []Action{
	ActionPlay, ActionPause, ActionPrevious, ActionNext,
	ActionSeekTo, ActionSeekBackward, ActionSeekForward,
}

// ActionDetails accompanies an action. SeekTime is used by seekto and
// SeekOffset (seconds, 0 for the default) by the relative seeks.
type ActionDetails struct {
	Action     Action  `json:"action"`
	SeekTime   float64 `json:"seekTime,omitempty"`
	SeekOffset float64 `json:"seekOffset,omitempty"`
}

type Handler func(ActionDetails)

type Artwork struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

type Metadata struct {
	Title   string    `json:"title"`
	Artist  string    `json:"artist"`
	Album   string    `json:"album"`
	Artwork []Artwork `json:"artwork"`
}

// PlaybackStatus is the surface's playback-state enum.
type PlaybackStatus string

const (
	StatusNone    PlaybackStatus = "none"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

type PositionState struct {
	Duration     float64 `json:"duration"`
	Position     float64 `json:"position"`
	PlaybackRate float64 `json:"playbackRate"`
}

// Surface is a platform media-control surface. Any method may be unsupported
// and return an error; the bridge logs and carries on.
type Surface interface {
	SetMetadata(m Metadata) error
	SetPlaybackState(s PlaybackStatus) error
	SetPositionState(p PositionState) error
	SetActionHandler(a Action, h Handler) error
	ClearActionHandler(a Action) error
}

// Transport is the engine API the bridge mirrors and drives.
type Transport interface {
	State() audio.PlaybackState
	Tracks() []model.Track
	Subscribe(fn func(audio.PlaybackState)) func()
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	PlayNext(ctx context.Context) error
	PlayPrev(ctx context.Context) error
	Seek(t float64)
	SeekBy(delta float64)
}

const (
	defaultPositionInterval = time.Second
	defaultSeekOffset       = 10.0
	actionTimeout           = 10 * time.Second
)

// Bridge mirrors engine state onto a Surface and relays its actions back.
type Bridge struct {
	transport Transport
	surface   Surface
	clock     clock.Clock
	log       *zap.Logger
	interval  time.Duration

	mu          sync.Mutex
	started     bool
	closed      bool
	registered  []Action
	unsubscribe func()
	lastIndex   int
	lastStatus  PlaybackStatus
	ticker      *clock.Timer
	tickGen     uint64
}

type Option func(*Bridge)

func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithPositionInterval sets the position publishing cadence.
func WithPositionInterval(d time.Duration) Option {
	return func(b *Bridge) { b.interval = d }
}

func New(t Transport, s Surface, opts ...Option) *Bridge {
	b := &Bridge{
		transport: t,
		surface:   s,
		clock:     clock.New(),
		log:       logger.Named("mediasession"),
		interval:  defaultPositionInterval,
		lastIndex: -1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start registers the action handlers and begins mirroring.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	for _, a := range AllActions {
		action := a
		if err := b.surface.SetActionHandler(action, b.handleAction); err != nil {
			b.log.Warn("media session action unsupported", zap.String("action", string(action)), zap.Error(err))
			continue
		}
		b.registered = append(b.registered, action)
	}
	b.mu.Unlock()

	unsubscribe := b.transport.Subscribe(b.mirror)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	b.mirror(b.transport.State())
}

// Close clears every registered handler and stops position publishing.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.stopTickerLocked()
	for _, a := range b.registered {
		if err := b.surface.ClearActionHandler(a); err != nil {
			b.log.Warn("failed to clear media session action", zap.String("action", string(a)), zap.Error(err))
		}
	}
	b.registered = nil
	if err := b.surface.SetPlaybackState(StatusNone); err != nil {
		b.log.Debug("failed to reset playback state", zap.Error(err))
	}
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (b *Bridge) mirror(st audio.PlaybackState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if st.CurrentTrackIndex != b.lastIndex {
		tracks := b.transport.Tracks()
		if st.CurrentTrackIndex >= 0 && st.CurrentTrackIndex < len(tracks) {
			if err := b.surface.SetMetadata(metadataFor(tracks[st.CurrentTrackIndex])); err != nil {
				b.log.Warn("failed to publish metadata", zap.Error(err))
			}
			b.lastIndex = st.CurrentTrackIndex
		}
	}

	status := StatusPaused
	if st.IsPlaying {
		status = StatusPlaying
	}
	if status != b.lastStatus {
		if err := b.surface.SetPlaybackState(status); err != nil {
			b.log.Warn("failed to publish playback state", zap.Error(err))
		}
		b.lastStatus = status
	}

	switch {
	case st.IsPlaying && b.ticker == nil:
		b.publishPositionLocked(st)
		b.scheduleTickLocked()
	case !st.IsPlaying:
		b.stopTickerLocked()
	}
}

func metadataFor(t model.Track) Metadata {
	m := Metadata{Title: t.Title, Artist: t.Artist, Album: t.Album, Artwork: []Artwork{}}
	if t.Artwork != "" {
		m.Artwork = append(m.Artwork, Artwork{Src: t.Artwork, Sizes: "512x512"})
	}
	return m
}

func (b *Bridge) publishPositionLocked(st audio.PlaybackState) {
	if st.Duration <= 0 {
		return
	}
	pos := PositionState{
		Duration:     st.Duration,
		Position:     clampPosition(st.CurrentTime, st.Duration),
		PlaybackRate: 1,
	}
	if err := b.surface.SetPositionState(pos); err != nil {
		b.log.Debug("failed to publish position", zap.Error(err))
	}
}

func clampPosition(p, d float64) float64 {
	if p < 0 {
		return 0
	}
	if p > d {
		return d
	}
	return p
}

func (b *Bridge) scheduleTickLocked() {
	b.tickGen++
	gen := b.tickGen
	b.ticker = b.clock.AfterFunc(b.interval, func() { b.tick(gen) })
}

func (b *Bridge) stopTickerLocked() {
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
	b.tickGen++
}

func (b *Bridge) tick(gen uint64) {
	st := b.transport.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.tickGen {
		return
	}
	if !st.IsPlaying {
		b.stopTickerLocked()
		return
	}
	b.publishPositionLocked(st)
	b.scheduleTickLocked()
}

// handleAction relays a surface action. Errors are already reported through
// the engine's error channel, so they are only logged here.
func (b *Bridge) handleAction(d ActionDetails) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	var err error
	switch d.Action {
	case ActionPlay:
		err = b.transport.Play(ctx)
	case ActionPause:
		err = b.transport.Pause(ctx)
	case ActionNext:
		err = b.transport.PlayNext(ctx)
	case ActionPrevious:
		err = b.transport.PlayPrev(ctx)
	case ActionSeekTo:
		b.transport.Seek(d.SeekTime)
	case ActionSeekBackward:
		b.transport.SeekBy(-seekOffset(d))
	case ActionSeekForward:
		b.transport.SeekBy(seekOffset(d))
	default:
		b.log.Warn("unknown media session action", zap.String("action", string(d.Action)))
		return
	}
	if err != nil {
		b.log.Warn("media session action failed", zap.String("action", string(d.Action)), zap.Error(err))
	}
}

func seekOffset(d ActionDetails) float64 {
	if d.SeekOffset > 0 {
		return d.SeekOffset
	}
	return defaultSeekOffset
}
