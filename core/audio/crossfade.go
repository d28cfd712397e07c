package audio

import (
	"context"
	"fmt"
	"math"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// crossfade is a secondary binding fading in over the primary. It waits for
// the incoming element to report it can play through before starting.
type crossfade struct {
	token    uint64
	target   int
	incoming *binding
	started  bool
	startAt  float64 // progress origin, in clock seconds
	progress float64
	timer    *clock.Timer
}

// crossfadeGains is the equal-power curve for progress p in [0,1].
func crossfadeGains(p float64) (out, in float64) {
	switch {
	case p <= 0:
		return 1, 0
	case p >= 1:
		return 0, 1
	}
	return math.Cos(p * math.Pi / 2), math.Sin(p * math.Pi / 2)
}

// CrossfadeTo transitions from the playing track to tracks[index]. With
// nothing playing it behaves as PlayTrack.
func (e *Engine) CrossfadeTo(ctx context.Context, index int) error {
	e.mu.Lock()
	defer e.unlockAndNotify()
	if e.closed {
		return ErrClosed
	}
	return e.crossfadeToLocked(ctx, index)
}

func (e *Engine) crossfadeToLocked(ctx context.Context, index int) error {
	if index < 0 || index >= len(e.tracks) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(e.tracks))
	}
	if e.primary == nil || !e.state.IsPlaying || e.cfg.CrossfadeDuration <= 0 {
		return e.playTrackLocked(ctx, index)
	}

	e.cancelCrossfadeLocked()
	b, aerr := e.bindLocked(ctx, index, 0)
	if aerr != nil {
		e.reportLocked(aerr)
		return aerr
	}
	e.xfadeSeq++
	x := &crossfade{token: e.xfadeSeq, target: index, incoming: b}
	e.xfade = x
	e.xfadeProgress = 0
	e.dirty = true

	token := x.token
	x.timer = e.clock.AfterFunc(e.cfg.PlayTimeout, func() { e.crossfadeBufferTimeout(token) })
	e.log.Debug("crossfade waiting for buffer", zap.Int("target", index))
	return nil
}

// CancelCrossfade discards the incoming binding and resets progress to 0.
// It is idempotent.
func (e *Engine) CancelCrossfade() {
	e.mu.Lock()
	defer e.unlockAndNotify()
	e.cancelCrossfadeLocked()
}

// CrossfadeProgress is the progress of the running or last completed
// crossfade, 0 after a cancel.
func (e *Engine) CrossfadeProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xfadeProgress
}

// CrossfadeActive reports whether a secondary binding exists.
func (e *Engine) CrossfadeActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xfade != nil
}

func (e *Engine) cancelCrossfadeLocked() {
	x := e.xfade
	e.xfadeProgress = 0
	if x == nil {
		return
	}
	e.xfade = nil
	if x.timer != nil {
		x.timer.Stop()
	}
	x.incoming.teardown()
	if e.primary != nil && e.graph != nil {
		rampParam(e.graph.ctx, e.primary.gain.Gain(), 1, e.cfg.RampTime)
	}
	e.dirty = true
	e.log.Debug("crossfade cancelled", zap.Int("target", x.target))
}

func (e *Engine) handleIncomingEventLocked(ev ElementEvent) {
	x := e.xfade
	switch ev.Type {
	case EventCanPlayThrough:
		if !x.started {
			e.beginCrossfadeLocked(x)
		}
	case EventError:
		aerr := newAudioError(ErrorLoad, fmt.Sprintf("failed to load %q: %v", e.tracks[x.target].Title, ev.Err), ev.Err, x.target)
		e.cancelCrossfadeLocked()
		e.reportLocked(aerr)
	case EventEnded:
		e.finishCrossfadeLocked()
	}
}

func (e *Engine) crossfadeBufferTimeout(token uint64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	x := e.xfade
	if x == nil || x.token != token || x.started {
		return
	}
	aerr := newAudioError(ErrorNetwork, "crossfade target did not buffer in time", nil, x.target)
	e.cancelCrossfadeLocked()
	e.reportLocked(aerr)
}

func (e *Engine) beginCrossfadeLocked(x *crossfade) {
	if x.timer != nil {
		x.timer.Stop()
	}
	pctx, cancel := e.playContext(context.Background())
	defer cancel()
	x.incoming.el.SetPlaybackRate(1)
	if err := x.incoming.el.Play(pctx); err != nil {
		aerr := classifyPlayError(err, x.target)
		e.cancelCrossfadeLocked()
		e.reportLocked(aerr)
		return
	}
	x.started = true
	x.startAt = e.clockSeconds()
	e.log.Info("crossfade started",
		zap.Int("from", e.primary.index),
		zap.Int("to", x.target),
		zap.Duration("duration", e.cfg.CrossfadeDuration),
	)
	e.scheduleFrameLocked(x)
}

func (e *Engine) scheduleFrameLocked(x *crossfade) {
	token := x.token
	x.timer = e.clock.AfterFunc(e.cfg.FrameInterval, func() { e.crossfadeFrame(token) })
}

func (e *Engine) clockSeconds() float64 {
	return float64(e.clock.Now().UnixNano()) / 1e9
}

// crossfadeFrame samples progress once and applies the gains as short ramps.
func (e *Engine) crossfadeFrame(token uint64) {
	e.mu.Lock()
	defer e.unlockAndNotify()
	x := e.xfade
	if e.closed || x == nil || x.token != token || !x.started {
		return
	}

	p := (e.clockSeconds() - x.startAt) / e.cfg.CrossfadeDuration.Seconds()
	p = math.Max(x.progress, math.Min(1, p))
	x.progress = p
	e.xfadeProgress = p

	out, in := crossfadeGains(p)
	rampParam(e.graph.ctx, e.primary.gain.Gain(), out, e.cfg.FrameInterval)
	rampParam(e.graph.ctx, x.incoming.gain.Gain(), in, e.cfg.FrameInterval)

	if p >= 1 {
		e.finishCrossfadeLocked()
		return
	}
	e.scheduleFrameLocked(x)
}

// finishCrossfadeLocked promotes the incoming binding. The outgoing primary
// is torn down first so two primaries never coexist.
func (e *Engine) finishCrossfadeLocked() {
	x := e.xfade
	if x == nil {
		return
	}
	e.xfade = nil
	if x.timer != nil {
		x.timer.Stop()
	}
	if e.primary != nil {
		e.primary.teardown()
	}
	e.primary = x.incoming
	e.xfadeProgress = 1

	rampParam(e.graph.ctx, e.primary.gain.Gain(), 1, e.cfg.RampTime)
	e.graph.rampTrackGain(e.tracks[x.target].NormalizedGain())

	e.state.CurrentTrackIndex = x.target
	e.state.CurrentTime = e.primary.el.CurrentTime()
	e.state.Duration = finiteOrZero(e.primary.el.Duration())
	e.dirty = true
	e.log.Info("crossfade complete", zap.Int("index", x.target))
}

// maybeAutoCrossfadeLocked starts a crossfade into the next track once the
// primary is within CrossfadeDuration of its end.
func (e *Engine) maybeAutoCrossfadeLocked() {
	if !e.cfg.CrossfadeEnabled || e.xfade != nil || !e.state.IsPlaying || len(e.tracks) < 2 {
		return
	}
	d := e.state.Duration
	if d <= 0 || d-e.state.CurrentTime > e.cfg.CrossfadeDuration.Seconds() {
		return
	}
	next := wrapIndex(e.primary.index+1, len(e.tracks))
	if err := e.crossfadeToLocked(context.Background(), next); err != nil {
		e.log.Warn("auto crossfade failed", zap.Int("index", next), zap.Error(err))
	}
}
