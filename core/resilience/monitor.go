package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"stemfm/core/audio"
	"stemfm/core/platform"
	"stemfm/logger"
)

// Player is the slice of the engine the monitor may drive. The monitor reads
// state and asks for resumes; it never touches graph nodes.
type Player interface {
	IsPlaying() bool
	HasBinding() bool
	ElementPaused() bool
	ResumeContext(ctx context.Context) error
	ResumeElement(ctx context.Context) error
	NormalizePlaybackRate()
	MarkStopped()
}

// State is the monitor's view of playback.
type State int

const (
	Idle State = iota
	Active
	Suspended
	Interrupted
	Hidden
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Interrupted:
		return "interrupted"
	case Hidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// Config holds the recovery delays.
type Config struct {
	// SettleDelay separates focus/pageshow from the resume it triggers.
	SettleDelay time.Duration
	// DeviceChangeDelay is used after an output device change on desktop.
	DeviceChangeDelay time.Duration
	// MobileDeviceChangeDelay replaces DeviceChangeDelay on mobile platforms,
	// where route changes take longer to settle.
	MobileDeviceChangeDelay time.Duration
	// PauseRetryDelay precedes the single resume after an unexpected pause.
	PauseRetryDelay time.Duration
	// ResumeTimeout bounds each resume attempt.
	ResumeTimeout time.Duration
	// QueueSize is the event buffer; events beyond it are dropped.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		SettleDelay:             300 * time.Millisecond,
		DeviceChangeDelay:       300 * time.Millisecond,
		MobileDeviceChangeDelay: 800 * time.Millisecond,
		PauseRetryDelay:         500 * time.Millisecond,
		ResumeTimeout:           5 * time.Second,
		QueueSize:               64,
	}
}

// Monitor turns overlapping environment signals into at most one recovery
// attempt per interruption. Handle is its only mutation point.
type Monitor struct {
	player Player
	facts  platform.Facts
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger
	events chan Event

	mu           sync.Mutex
	state        State
	visible      bool
	wasPlaying   bool
	gen          uint64
	timer        *clock.Timer
	retryPending bool
	attempts     uint64
}

type Option func(*Monitor)

func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New builds a monitor for player. Register it with the engine's AddObserver
// so playback, pause and context notifications reach it.
func New(player Player, facts platform.Facts, opts ...Option) *Monitor {
	m := &Monitor{
		player:  player,
		facts:   facts,
		cfg:     DefaultConfig(),
		clock:   clock.New(),
		log:     logger.Named("resilience"),
		visible: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.QueueSize <= 0 {
		m.cfg.QueueSize = DefaultConfig().QueueSize
	}
	m.events = make(chan Event, m.cfg.QueueSize)
	return m
}

// State returns the current machine state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ResumeAttempts counts element resume attempts issued so far.
func (m *Monitor) ResumeAttempts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Post queues ev without blocking. A full queue drops the event.
func (m *Monitor) Post(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("resilience event dropped, queue full", zap.String("kind", ev.Kind.String()))
	}
}

// Run handles queued events until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelTimerLocked()
			m.mu.Unlock()
			return
		case ev := <-m.events:
			m.Handle(ev)
		}
	}
}

// drain handles everything queued, for callers that do not run the loop.
func (m *Monitor) drain() {
	for {
		select {
		case ev := <-m.events:
			m.Handle(ev)
		default:
			return
		}
	}
}

// audio.Observer

func (m *Monitor) PlaybackChanged(playing bool) {
	m.Post(Event{Kind: EventPlaybackChanged, Playing: playing})
}

func (m *Monitor) ElementPaused() {
	m.Post(Event{Kind: EventElementPaused})
}

func (m *Monitor) ContextStateChanged(s audio.ContextState) {
	m.Post(Event{Kind: EventContextState, Context: s})
}

// Handle applies one event. Player calls are made with the monitor lock held;
// the engine delivers its notifications after releasing its own lock and
// Post never blocks, so this cannot deadlock.
func (m *Monitor) Handle(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventPlaybackChanged:
		m.onPlaybackChanged(ev.Playing)
	case EventVisibility:
		m.onVisibility(ev.Visible)
	case EventContextState:
		m.onContextState(ev.Context)
	case EventBlur, EventPageHide:
		m.onInterruption(ev.Kind)
	case EventFocus, EventPageShow:
		if m.state == Interrupted && m.wasPlaying {
			m.scheduleLocked(eventSettle, m.cfg.SettleDelay)
		}
	case EventDeviceChange:
		m.onDeviceChange()
	case EventElementPaused:
		if m.state == Active && m.visible && !m.retryPending && m.player.IsPlaying() {
			m.scheduleLocked(eventPauseRetry, m.cfg.PauseRetryDelay)
		}
	case eventSettle:
		if ev.gen != m.gen {
			m.log.Debug("superseded settle dropped")
			return
		}
		m.timer = nil
		if err := m.resumeLocked(); err != nil {
			m.log.Warn("resume after interruption failed", zap.Error(err))
			return
		}
		m.transitionLocked(Active)
	case eventPauseRetry:
		m.retryPending = false
		if ev.gen != m.gen {
			return
		}
		m.timer = nil
		if !m.player.IsPlaying() || !m.player.ElementPaused() {
			return
		}
		if err := m.resumeLocked(); err != nil {
			m.log.Warn("platform paused playback and resume failed, giving up", zap.Error(err))
			m.player.MarkStopped()
			m.transitionLocked(Suspended)
		}
	}
}

func (m *Monitor) onPlaybackChanged(playing bool) {
	switch {
	case m.state == Hidden:
		m.wasPlaying = playing
	case playing:
		m.wasPlaying = false
		m.transitionLocked(Active)
	case m.state == Active || m.state == Interrupted:
		m.wasPlaying = false
		m.transitionLocked(Suspended)
	}
}

func (m *Monitor) onVisibility(visible bool) {
	if !visible {
		m.visible = false
		if m.state == Hidden {
			return
		}
		m.wasPlaying = m.player.IsPlaying() || (m.state == Interrupted && m.wasPlaying)
		m.transitionLocked(Hidden)
		return
	}

	wasHidden := m.state == Hidden || !m.visible
	m.visible = true
	if !wasHidden {
		m.player.NormalizePlaybackRate()
		return
	}
	intent := m.wasPlaying
	m.wasPlaying = false
	if intent {
		if err := m.resumeLocked(); err != nil {
			m.log.Warn("resume on visible failed", zap.Error(err))
		}
	} else {
		m.player.NormalizePlaybackRate()
	}
	m.transitionLocked(m.restingState())
}

func (m *Monitor) onContextState(s audio.ContextState) {
	switch s {
	case audio.ContextInterrupted, audio.ContextSuspended:
		// The engine suspends the context itself on a user pause; only a
		// suspension while playing is an interruption. iOS reports calls and
		// Siri as "interrupted".
		if m.state != Active || !m.player.IsPlaying() {
			return
		}
		m.wasPlaying = true
		m.transitionLocked(Interrupted)
	case audio.ContextRunning:
		if m.state == Hidden {
			return
		}
		if !m.player.IsPlaying() || !m.player.ElementPaused() {
			if m.state == Interrupted && m.player.IsPlaying() {
				m.transitionLocked(Active)
			}
			return
		}
		if m.facts.IsIOS {
			m.wasPlaying = true
			if m.state != Interrupted {
				m.transitionLocked(Interrupted)
			}
			m.scheduleLocked(eventSettle, m.cfg.SettleDelay)
			return
		}
		if err := m.resumeLocked(); err != nil {
			m.log.Warn("resume after context recovery failed", zap.Error(err))
			return
		}
		m.wasPlaying = false
		m.transitionLocked(Active)
	}
}

func (m *Monitor) onInterruption(kind EventKind) {
	if m.state != Active || !m.player.IsPlaying() {
		return
	}
	m.log.Debug("interruption suspected", zap.String("signal", kind.String()))
	m.wasPlaying = true
	m.transitionLocked(Interrupted)
}

func (m *Monitor) onDeviceChange() {
	if !m.player.HasBinding() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResumeTimeout)
	defer cancel()
	if m.player.IsPlaying() || m.wasPlaying {
		if err := m.player.ResumeContext(ctx); err != nil {
			m.log.Warn("context resume after device change failed", zap.Error(err))
		}
	}
	if m.state == Interrupted && m.wasPlaying {
		delay := m.cfg.DeviceChangeDelay
		if m.facts.IsMobile {
			delay = m.cfg.MobileDeviceChangeDelay
		}
		m.scheduleLocked(eventSettle, delay)
	}
}

// resumeLocked resumes the context, then the element if it is paused, then
// asserts rate 1.
func (m *Monitor) resumeLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResumeTimeout)
	defer cancel()
	if err := m.player.ResumeContext(ctx); err != nil {
		m.log.Warn("context resume failed", zap.Error(err))
	}
	var err error
	if m.player.ElementPaused() {
		m.attempts++
		err = m.player.ResumeElement(ctx)
	}
	m.player.NormalizePlaybackRate()
	return err
}

func (m *Monitor) restingState() State {
	switch {
	case m.player.IsPlaying():
		return Active
	case m.player.HasBinding():
		return Suspended
	default:
		return Idle
	}
}

// transitionLocked bumps the generation on every state change, which
// invalidates any timer scheduled in the previous state.
func (m *Monitor) transitionLocked(s State) {
	if s == m.state {
		return
	}
	m.log.Debug("state change", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.gen++
	m.cancelTimerLocked()
	m.retryPending = false
}

func (m *Monitor) scheduleLocked(kind EventKind, d time.Duration) {
	m.cancelTimerLocked()
	m.retryPending = kind == eventPauseRetry
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() { m.Post(Event{Kind: kind, gen: gen}) })
}

func (m *Monitor) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
