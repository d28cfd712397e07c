package audio

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// PlayTrack tears down the current binding and starts tracks[index].
func (e *Engine) PlayTrack(ctx context.Context, index int) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	return e.playTrackLocked(ctx, index)
}

func (e *Engine) playTrackLocked(ctx context.Context, index int) error {
	if index < 0 || index >= len(e.tracks) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(e.tracks))
	}
	if err := e.ensureGraph(); err != nil {
		return err
	}

	e.cancelCrossfadeLocked()
	if e.primary != nil {
		e.primary.teardown()
		e.primary = nil
	}

	e.state.CurrentTrackIndex = index
	e.state.CurrentTime = 0
	e.state.Duration = 0
	e.dirty = true

	b, aerr := e.bindLocked(ctx, index, 1)
	if aerr != nil {
		e.setPlayingLocked(false)
		e.reportLocked(aerr)
		return aerr
	}
	e.primary = b
	e.graph.rampTrackGain(e.tracks[index].NormalizedGain())
	e.state.Duration = finiteOrZero(b.el.Duration())

	e.setPlayingLocked(true)
	if aerr := e.startLocked(ctx, b); aerr != nil {
		return aerr
	}
	e.log.Info("playing track",
		zap.Int("index", index),
		zap.String("title", e.tracks[index].Title),
	)
	return nil
}

// startLocked resumes the context and plays b, correcting IsPlaying on
// rejection.
func (e *Engine) startLocked(ctx context.Context, b *binding) *AudioError {
	pctx, cancel := e.playContext(ctx)
	defer cancel()

	if e.graph.ctx.State() != ContextRunning {
		if err := e.graph.ctx.Resume(pctx); err != nil {
			aerr := classifyPlayError(err, b.index)
			e.setPlayingLocked(false)
			e.reportLocked(aerr)
			return aerr
		}
	}
	b.el.SetPlaybackRate(1)
	if err := b.el.Play(pctx); err != nil {
		aerr := classifyPlayError(err, b.index)
		e.setPlayingLocked(false)
		e.reportLocked(aerr)
		return aerr
	}
	b.el.SetPlaybackRate(1)
	e.setPlayingLocked(true)
	e.clearErrorLocked()
	return nil
}

// TogglePlay pauses when playing, otherwise resumes or starts the current track.
func (e *Engine) TogglePlay(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	if e.state.IsPlaying {
		e.pauseLocked(ctx)
		return nil
	}
	return e.resumeOrStartLocked(ctx)
}

// Play is TogglePlay restricted to the paused case.
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	if e.state.IsPlaying {
		return nil
	}
	return e.resumeOrStartLocked(ctx)
}

// Pause is TogglePlay restricted to the playing case.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	if e.state.IsPlaying {
		e.pauseLocked(ctx)
	}
	return nil
}

func (e *Engine) resumeOrStartLocked(ctx context.Context) error {
	if e.primary == nil {
		return e.playTrackLocked(ctx, e.state.CurrentTrackIndex)
	}
	e.setPlayingLocked(true)
	if aerr := e.startLocked(ctx, e.primary); aerr != nil {
		return aerr
	}
	return nil
}

func (e *Engine) pauseLocked(ctx context.Context) {
	e.cancelCrossfadeLocked()
	e.setPlayingLocked(false)
	if e.primary != nil {
		e.primary.el.Pause()
		e.state.CurrentTime = e.primary.el.CurrentTime()
	}
	if e.graph != nil {
		pctx, cancel := e.playContext(ctx)
		defer cancel()
		if err := e.graph.ctx.Suspend(pctx); err != nil {
			e.log.Warn("failed to suspend audio context", zap.Error(err))
		}
	}
}

// PlayNext advances with wrap-around.
func (e *Engine) PlayNext(ctx context.Context) error {
	return e.step(ctx, 1)
}

// PlayPrev steps back with wrap-around.
func (e *Engine) PlayPrev(ctx context.Context) error {
	return e.step(ctx, -1)
}

func (e *Engine) step(ctx context.Context, delta int) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	n := len(e.tracks)
	if n == 0 {
		return fmt.Errorf("%w: empty catalog", ErrIndexOutOfRange)
	}
	return e.playTrackLocked(ctx, wrapIndex(e.state.CurrentTrackIndex+delta, n))
}

func wrapIndex(i, n int) int {
	return ((i % n) + n) % n
}

// Seek moves the primary element to t seconds, clamped to the duration. It is
// a no-op while the duration is unknown.
func (e *Engine) Seek(t float64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	e.seekLocked(t)
}

// SeekToPercent seeks to a fraction of the duration.
func (e *Engine) SeekToPercent(p float64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	d, ok := e.knownDurationLocked()
	if !ok {
		return
	}
	e.seekLocked(clamp01(p) * d)
}

// SeekBy seeks relative to the current position.
func (e *Engine) SeekBy(delta float64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.primary == nil {
		return
	}
	e.seekLocked(e.primary.el.CurrentTime() + delta)
}

func (e *Engine) seekLocked(t float64) {
	d, ok := e.knownDurationLocked()
	if !ok || math.IsNaN(t) {
		return
	}
	t = math.Max(0, math.Min(t, d))
	e.primary.el.SetCurrentTime(t)
	e.state.CurrentTime = t
	e.dirty = true
}

func (e *Engine) knownDurationLocked() (float64, bool) {
	if e.closed || e.primary == nil {
		return 0, false
	}
	d := e.primary.el.Duration()
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, false
	}
	return d, true
}

// SetVolume clamps v to [0,1]. A positive volume unmutes.
func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return
	}
	v = clamp01(v)
	e.state.Volume = v
	e.dirty = true
	if v > 0 && e.state.IsMuted {
		e.state.IsMuted = false
	}
	if e.state.IsMuted || e.graph == nil {
		return
	}
	e.graph.rampMaster(v)
}

// SetMuted holds the master gain at 0 until unmuted.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed || e.state.IsMuted == muted {
		return
	}
	e.state.IsMuted = muted
	e.dirty = true
	if e.graph != nil {
		e.graph.rampMaster(e.masterTarget())
	}
}

// ToggleStem flips s and returns its new enabled flag.
func (e *Engine) ToggleStem(s Stem) (bool, error) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return false, ErrClosed
	}
	if _, ok := stemFilters[s]; !ok {
		return false, fmt.Errorf("unknown stem %q", s)
	}
	var on bool
	if e.graph != nil {
		on = e.graph.stems.Toggle(s)
	} else {
		on = !e.state.Stems[s]
	}
	e.state.Stems[s] = on
	e.dirty = true
	return on, nil
}

// handleElementEvent routes element notifications. Events from torn-down
// bindings are dropped by generation.
func (e *Engine) handleElementEvent(gen uint64, ev ElementEvent) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return
	}

	var b *binding
	incoming := false
	switch {
	case e.primary != nil && e.primary.gen == gen:
		b = e.primary
	case e.xfade != nil && e.xfade.incoming.gen == gen:
		b = e.xfade.incoming
		incoming = true
	default:
		return
	}

	if incoming {
		e.handleIncomingEventLocked(ev)
		return
	}

	switch ev.Type {
	case EventEnded:
		if e.xfade != nil && e.xfade.started {
			e.finishCrossfadeLocked()
			return
		}
		next := wrapIndex(b.index+1, len(e.tracks))
		if err := e.playTrackLocked(context.Background(), next); err != nil {
			e.log.Warn("auto-advance failed", zap.Int("index", next), zap.Error(err))
		}
	case EventPause:
		if e.state.IsPlaying {
			e.pausedHint = true
		}
	case EventError:
		aerr := newAudioError(ErrorLoad, fmt.Sprintf("failed to load %q: %v", e.tracks[b.index].Title, ev.Err), ev.Err, b.index)
		e.cancelCrossfadeLocked()
		e.primary.teardown()
		e.primary = nil
		e.setPlayingLocked(false)
		e.reportLocked(aerr)
	case EventStalled:
		e.reportLocked(newAudioError(ErrorNetwork, "playback stalled while buffering", ev.Err, b.index))
	case EventLoadedMetadata, EventTimeUpdate:
		e.state.CurrentTime = b.el.CurrentTime()
		e.state.Duration = finiteOrZero(b.el.Duration())
		e.dirty = true
		if ev.Type == EventTimeUpdate {
			e.maybeAutoCrossfadeLocked()
		}
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Recovery hooks. They let an interruption monitor drive playback without
// touching graph nodes.

func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.IsPlaying
}

func (e *Engine) HasBinding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary != nil
}

// ElementPaused reports whether the primary element is paused.
func (e *Engine) ElementPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary != nil && e.primary.el.Paused()
}

// ResumeContext resumes the native context if it is not running.
func (e *Engine) ResumeContext(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.graph == nil || e.graph.ctx.State() == ContextRunning {
		return nil
	}
	return e.graph.ctx.Resume(ctx)
}

// ResumeElement plays the primary element again at rate 1.
func (e *Engine) ResumeElement(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed || e.primary == nil {
		return nil
	}
	e.primary.el.SetPlaybackRate(1)
	if err := e.primary.el.Play(ctx); err != nil {
		return err
	}
	e.setPlayingLocked(true)
	e.clearErrorLocked()
	return nil
}

// NormalizePlaybackRate forces the primary element back to rate 1.
func (e *Engine) NormalizePlaybackRate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.primary != nil {
		e.primary.el.SetPlaybackRate(1)
	}
}

// MarkStopped corrects IsPlaying after recovery gave up.
func (e *Engine) MarkStopped() {
	e.mu.Lock()
	defer e.unlockAndNotify()
	e.setPlayingLocked(false)
}
