package audio

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCrossfadeGains(t *testing.T) {
	tests := []struct {
		p       float64
		out, in float64
	}{
		{-1, 1, 0},
		{0, 1, 0},
		{0.5, math.Sqrt2 / 2, math.Sqrt2 / 2},
		{1, 0, 1},
		{2, 0, 1},
	}
	for _, tt := range tests {
		out, in := crossfadeGains(tt.p)
		if math.Abs(out-tt.out) > 1e-9 || math.Abs(in-tt.in) > 1e-9 {
			t.Errorf("crossfadeGains(%v) = %v, %v; want %v, %v", tt.p, out, in, tt.out, tt.in)
		}
	}
	for p := 0.0; p <= 1; p += 0.05 {
		out, in := crossfadeGains(p)
		if power := out*out + in*in; math.Abs(power-1) > 1e-9 {
			t.Errorf("power at %v = %v, want 1", p, power)
		}
	}
}

// startCrossfade plays track 0 and begins a crossfade into track 1 that is
// buffered and running.
func startCrossfade(t *testing.T, e *Engine, b *fakeBackend) (outgoing, incoming *fakeElement) {
	t.Helper()
	ctx := context.Background()
	if err := e.PlayTrack(ctx, 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	outgoing = b.last()
	if err := e.CrossfadeTo(ctx, 1); err != nil {
		t.Fatalf("CrossfadeTo: %v", err)
	}
	incoming = b.last()
	if !e.CrossfadeActive() {
		t.Fatal("crossfade not active")
	}
	if b.ctx.liveSources() != 2 {
		t.Fatalf("live sources during crossfade = %d, want 2", b.ctx.liveSources())
	}
	incoming.emit(EventCanPlayThrough)
	if incoming.Paused() {
		t.Fatal("incoming element not started after canplaythrough")
	}
	return outgoing, incoming
}

func TestCrossfadeProgressIsMonotonic(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	outgoing, incoming := startCrossfade(t, e, b)
	outGain, inGain := gainOf(e.primary.gain), gainOf(e.xfade.incoming.gain)

	last := 0.0
	for elapsed := time.Duration(0); elapsed < 2100*time.Millisecond; elapsed += 50 * time.Millisecond {
		b.ctx.time += 0.05
		clk.Add(50 * time.Millisecond)
		p := e.CrossfadeProgress()
		if p < last {
			t.Fatalf("progress went from %v to %v at %v", last, p, elapsed)
		}
		if p < 0 || p > 1 {
			t.Fatalf("progress %v out of range", p)
		}
		last = p
	}

	if last != 1 {
		t.Fatalf("final progress = %v, want 1", last)
	}
	if e.CrossfadeActive() {
		t.Error("crossfade still active after its duration")
	}
	if !outgoing.closed || incoming.closed {
		t.Error("outgoing element not discarded or incoming element closed")
	}
	if b.ctx.liveSources() != 1 {
		t.Errorf("live sources = %d, want 1", b.ctx.liveSources())
	}
	if st := e.State(); st.CurrentTrackIndex != 1 || !st.IsPlaying {
		t.Errorf("after crossfade: index %d playing %v", st.CurrentTrackIndex, st.IsPlaying)
	}
	if g := gainOf(e.primary.gain); g.target != 1 {
		t.Errorf("promoted gain target = %v, want 1", g.target)
	}
	if len(outGain.steps) != 0 || len(inGain.steps) != 0 {
		t.Errorf("crossfade stepped gains: out %v in %v", outGain.steps, inGain.steps)
	}

	scheduled := len(inGain.events)
	clk.Add(time.Second)
	if len(inGain.events) != scheduled || e.CrossfadeProgress() != 1 {
		t.Error("crossfade frames kept running after completion")
	}
}

func TestCrossfadeMidpointGains(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	startCrossfade(t, e, b)
	clk.Add(time.Second)

	out := gainOf(e.primary.gain).target
	in := gainOf(e.xfade.incoming.gain).target
	if out <= 0 || in <= 0 || math.Abs(out*out+in*in-1) > 1e-9 {
		t.Errorf("midpoint gains out %v in %v are not equal power", out, in)
	}
}

func TestCancelCrossfadeResetsProgress(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	outgoing, incoming := startCrossfade(t, e, b)

	clk.Add(500 * time.Millisecond)
	if p := e.CrossfadeProgress(); p <= 0 {
		t.Fatalf("progress after 500ms = %v, want > 0", p)
	}

	e.CancelCrossfade()
	e.CancelCrossfade()

	if p := e.CrossfadeProgress(); p != 0 {
		t.Errorf("progress after cancel = %v, want 0", p)
	}
	if !incoming.closed || outgoing.closed {
		t.Error("cancel must discard the incoming element and keep the outgoing one")
	}
	if b.ctx.liveSources() != 1 {
		t.Errorf("live sources = %d, want 1", b.ctx.liveSources())
	}
	if g := gainOf(e.primary.gain); g.target != 1 {
		t.Errorf("outgoing gain target = %v, want restored to 1", g.target)
	}

	clk.Add(3 * time.Second)
	if st := e.State(); st.CurrentTrackIndex != 0 || e.CrossfadeActive() {
		t.Errorf("cancelled crossfade resumed: index %d", st.CurrentTrackIndex)
	}
}

func TestTrackSkipCancelsCrossfade(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	startCrossfade(t, e, b)
	clk.Add(300 * time.Millisecond)

	if err := e.PlayTrack(context.Background(), 2); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	if e.CrossfadeActive() || e.CrossfadeProgress() != 0 {
		t.Error("skip left the crossfade running")
	}
	if b.ctx.liveSources() != 1 {
		t.Errorf("live sources = %d, want 1", b.ctx.liveSources())
	}
	clk.Add(3 * time.Second)
	if got := e.State().CurrentTrackIndex; got != 2 {
		t.Errorf("index = %d, want 2", got)
	}
}

func TestPrimaryEndDuringCrossfadePromotes(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	outgoing, _ := startCrossfade(t, e, b)
	clk.Add(200 * time.Millisecond)

	outgoing.emit(EventEnded)
	if e.CrossfadeActive() {
		t.Fatal("crossfade still active after outgoing track ended")
	}
	if got := e.State().CurrentTrackIndex; got != 1 {
		t.Errorf("index = %d, want 1 (no auto-advance past the incoming track)", got)
	}
	if b.ctx.liveSources() != 1 {
		t.Errorf("live sources = %d, want 1", b.ctx.liveSources())
	}
}

func TestCrossfadeBufferTimeout(t *testing.T) {
	e, b, clk := newTestEngine(t, 3)
	ctx := context.Background()
	_ = e.PlayTrack(ctx, 0)
	if err := e.CrossfadeTo(ctx, 1); err != nil {
		t.Fatalf("CrossfadeTo: %v", err)
	}
	incoming := b.last()

	clk.Add(DefaultConfig().PlayTimeout)
	if e.CrossfadeActive() || !incoming.closed {
		t.Fatal("unbuffered crossfade was not abandoned")
	}
	st := e.State()
	if st.CurrentTrackIndex != 0 || !st.IsPlaying {
		t.Errorf("abandoned crossfade disturbed playback: %+v", st)
	}
	if st.Error == nil || st.Error.Type != ErrorNetwork {
		t.Errorf("state error = %+v, want network", st.Error)
	}
}

func TestCrossfadeWhileStoppedPlaysDirectly(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	if err := e.CrossfadeTo(context.Background(), 2); err != nil {
		t.Fatalf("CrossfadeTo: %v", err)
	}
	if e.CrossfadeActive() {
		t.Error("crossfade started with nothing playing")
	}
	if st := e.State(); st.CurrentTrackIndex != 2 || !st.IsPlaying {
		t.Errorf("state = %+v, want track 2 playing", st)
	}
}

func TestAutoCrossfadeNearTrackEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrossfadeEnabled = true
	e, b, clk := newTestEngine(t, 2, WithConfig(cfg))
	_ = e.PlayTrack(context.Background(), 1)
	el := b.last()
	el.duration = 200

	el.current = 100
	el.emit(EventTimeUpdate)
	if e.CrossfadeActive() {
		t.Fatal("crossfade started too early")
	}

	el.current = 198.5
	el.emit(EventTimeUpdate)
	if !e.CrossfadeActive() {
		t.Fatal("crossfade did not start near the end")
	}
	b.last().emit(EventCanPlayThrough)
	clk.Add(cfg.CrossfadeDuration + 100*time.Millisecond)

	if got := e.State().CurrentTrackIndex; got != 0 {
		t.Errorf("index = %d, want wrap to 0", got)
	}
}
