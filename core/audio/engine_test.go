package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"stemfm/model"
)

func TestSetVolumeClamps(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{1.5, 1},
		{0.3, 0.3},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		e, _, _ := newTestEngine(t, 3)
		e.SetVolume(tt.in)
		if got := e.State().Volume; got != tt.want {
			t.Errorf("SetVolume(%v) stored %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetVolumeUnmutes(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	e.SetMuted(true)
	e.SetVolume(0)
	if !e.State().IsMuted {
		t.Fatal("SetVolume(0) unmuted")
	}
	e.SetVolume(0.4)
	if e.State().IsMuted {
		t.Error("positive SetVolume while muted left engine muted")
	}
}

func TestMuteHoldsMasterAtZero(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	if err := e.PlayTrack(context.Background(), 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	master := gainOf(e.graph.master)

	e.SetVolume(0.6)
	if master.target != 0.6 {
		t.Fatalf("master target = %v, want 0.6", master.target)
	}
	e.SetMuted(true)
	if master.target != 0 {
		t.Fatalf("muted master target = %v, want 0", master.target)
	}
	e.SetVolume(0)
	if master.target != 0 {
		t.Errorf("volume change while muted moved master to %v", master.target)
	}
	e.SetMuted(false)
	if master.target != 0 {
		t.Errorf("unmuted master target = %v, want stored volume 0", master.target)
	}
	e.SetVolume(0.8)
	if master.target != 0.8 {
		t.Errorf("master target = %v, want 0.8", master.target)
	}
}

func TestPlayTrackReplacesBinding(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	ctx := context.Background()

	if err := e.PlayTrack(ctx, 0); err != nil {
		t.Fatalf("PlayTrack(0): %v", err)
	}
	first := b.last()
	if err := e.PlayTrack(ctx, 2); err != nil {
		t.Fatalf("PlayTrack(2): %v", err)
	}

	if n := b.ctx.liveSources(); n != 1 {
		t.Fatalf("live sources = %d, want 1", n)
	}
	if !first.closed || !first.Paused() {
		t.Error("previous element was not stopped and closed")
	}
	if b.ctx.sources[0].disconnected != true {
		t.Error("previous source node still connected")
	}
	st := e.State()
	if st.CurrentTrackIndex != 2 || !st.IsPlaying {
		t.Errorf("state = index %d playing %v, want index 2 playing", st.CurrentTrackIndex, st.IsPlaying)
	}
	if b.ctxCalls != 1 {
		t.Errorf("NewContext called %d times, want 1", b.ctxCalls)
	}
}

func TestPlayTrackRampsTrackGain(t *testing.T) {
	gain := 0.5
	released := testEpoch.AddDate(0, -1, 0)
	tracks := []model.Track{
		{Title: "quiet", Src: "a", ReleaseDate: &released},
		{Title: "loud", Src: "b", ReleaseDate: &released, Gain: &gain},
	}
	b := &fakeBackend{}
	e := New(tracks, b)
	defer e.Close()

	if err := e.PlayTrack(context.Background(), 1); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	tg := gainOf(e.graph.trackGain)
	if tg.target != 0.5 || tg.value != 1 {
		t.Errorf("track gain value %v target %v, want ramp from 1 to 0.5", tg.value, tg.target)
	}
}

func TestPlayTrackOutOfRange(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	for _, idx := range []int{-1, 3} {
		err := e.PlayTrack(context.Background(), idx)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("PlayTrack(%d) = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
	if e.State().IsInitialized {
		t.Error("out of range play initialized the graph")
	}
}

func TestToggleStemTwiceRestores(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	if err := e.PlayTrack(context.Background(), 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	drums := gainOf(e.graph.stems.chains[StemDrums].gain)

	if got := e.State().ActiveStemCount(); got != 4 {
		t.Fatalf("default active stems = %d, want 4", got)
	}
	on, err := e.ToggleStem(StemDrums)
	if err != nil || on {
		t.Fatalf("ToggleStem = %v, %v; want false, nil", on, err)
	}
	if got := e.State().ActiveStemCount(); got != 3 {
		t.Errorf("active stems = %d, want 3", got)
	}
	if drums.target != 0 {
		t.Errorf("drums gain target = %v, want 0", drums.target)
	}

	on, _ = e.ToggleStem(StemDrums)
	if !on {
		t.Error("second toggle did not re-enable drums")
	}
	if got := e.State().ActiveStemCount(); got != 4 {
		t.Errorf("active stems = %d, want 4", got)
	}
	if drums.target != 1 {
		t.Errorf("drums gain target = %v, want 1", drums.target)
	}
}

func TestGainChangesStartFromAudibleValue(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	if err := e.PlayTrack(context.Background(), 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	drums := gainOf(e.graph.stems.chains[StemDrums].gain)
	master := gainOf(e.graph.master)

	if _, err := e.ToggleStem(StemDrums); err != nil {
		t.Fatal(err)
	}
	e.SetMuted(true)

	// Reverse both halfway through their ramps.
	b.ctx.time += e.cfg.RampTime.Seconds() / 2
	if _, err := e.ToggleStem(StemDrums); err != nil {
		t.Fatal(err)
	}
	e.SetMuted(false)

	for name, p := range map[string]*fakeParam{"drums": drums, "master": master} {
		if math.Abs(p.value-0.5) > 1e-9 {
			t.Errorf("%s ramp restarted from %v, want 0.5", name, p.value)
		}
		if len(p.steps) != 0 {
			t.Errorf("%s gain stepped by %v", name, p.steps)
		}
	}

	b.ctx.time += e.cfg.RampTime.Seconds()
	if drums.Value() != 1 || master.Value() != 1 {
		t.Errorf("settled drums %v master %v, want 1", drums.Value(), master.Value())
	}
}

func TestToggleStemBeforeInit(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	if _, err := e.ToggleStem(StemFX); err != nil {
		t.Fatalf("ToggleStem: %v", err)
	}
	if _, err := e.ToggleStem("VOCALS"); err == nil {
		t.Error("unknown stem accepted")
	}
	if err := e.PlayTrack(context.Background(), 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	if fx := gainOf(e.graph.stems.chains[StemFX].gain); fx.value != 0 {
		t.Errorf("fx gain = %v, want graph built with fx disabled", fx.value)
	}
}

func TestStemFilterChains(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	if err := e.PlayTrack(context.Background(), 0); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	synth := e.graph.stems.chains[StemSynth].filters
	if len(synth) != 2 {
		t.Fatalf("synth chain has %d filters, want 2", len(synth))
	}
	hp, lp := synth[0].(*fakeBiquad), synth[1].(*fakeBiquad)
	if hp.typ != HighPass || hp.freq.value != 200 || lp.typ != LowPass || lp.freq.value != 4000 {
		t.Errorf("synth chain = %s@%v -> %s@%v", hp.typ, hp.freq.value, lp.typ, lp.freq.value)
	}
	if fx := e.graph.stems.chains[StemFX].filters[0].(*fakeBiquad); fx.q.value != 0.5 {
		t.Errorf("fx Q = %v, want 0.5", fx.q.value)
	}
}

func TestNextPrevWrap(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	ctx := context.Background()

	if err := e.PlayPrev(ctx); err != nil {
		t.Fatalf("PlayPrev: %v", err)
	}
	if got := e.State().CurrentTrackIndex; got != 2 {
		t.Fatalf("PlayPrev from 0 -> %d, want 2", got)
	}
	if err := e.PlayNext(ctx); err != nil {
		t.Fatalf("PlayNext: %v", err)
	}
	if got := e.State().CurrentTrackIndex; got != 0 {
		t.Errorf("PlayNext from 2 -> %d, want 0", got)
	}
}

func TestPlayRejectedNotAllowed(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	b.playErr = fmt.Errorf("play() rejected: %w", ErrNotAllowed)

	var reported []*AudioError
	e.SetErrorHandler(func(ae *AudioError) { reported = append(reported, ae) })

	err := e.PlayTrack(context.Background(), 1)
	var ae *AudioError
	if !errors.As(err, &ae) {
		t.Fatalf("PlayTrack error = %v, want *AudioError", err)
	}
	if ae.Type != ErrorPlayback {
		t.Errorf("error type = %s, want playback", ae.Type)
	}
	if !strings.Contains(ae.Message, "user gesture") {
		t.Errorf("message %q does not mention the user gesture", ae.Message)
	}
	st := e.State()
	if st.IsPlaying {
		t.Error("IsPlaying = true after rejected play")
	}
	if st.Error == nil || st.Error.Type != ErrorPlayback {
		t.Errorf("state error = %v, want playback", st.Error)
	}
	if len(reported) != 1 || reported[0].TrackIndex == nil || *reported[0].TrackIndex != 1 {
		t.Errorf("handler got %v, want one error for track 1", reported)
	}
}

func TestPlayFailureMessages(t *testing.T) {
	generic := classifyPlayError(errors.New("device busy"), 0)
	blocked := classifyPlayError(ErrNotAllowed, 0)
	if generic.Type != ErrorPlayback || blocked.Type != ErrorPlayback {
		t.Fatalf("types = %s, %s; want playback for both", generic.Type, blocked.Type)
	}
	if generic.Message == blocked.Message {
		t.Error("autoplay rejection is indistinguishable from a generic failure")
	}
	if got := classifyPlayError(ErrNotSupported, 2); got.Type != ErrorLoad {
		t.Errorf("NotSupported classified as %s, want load", got.Type)
	}
}

func TestSuccessfulPlayClearsError(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	b.playErr = ErrNotAllowed
	_ = e.PlayTrack(context.Background(), 0)
	b.playErr = nil
	b.last().playErr = nil

	if err := e.TogglePlay(context.Background()); err != nil {
		t.Fatalf("TogglePlay: %v", err)
	}
	st := e.State()
	if st.Error != nil || !st.IsPlaying {
		t.Errorf("state after retry: error %v playing %v", st.Error, st.IsPlaying)
	}
}

func TestInitFailureIsSticky(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	b.ctxErr = errors.New("no audio device")

	for i := 0; i < 2; i++ {
		err := e.PlayTrack(context.Background(), 0)
		var ae *AudioError
		if !errors.As(err, &ae) || ae.Type != ErrorInit {
			t.Fatalf("attempt %d: err = %v, want init AudioError", i, err)
		}
	}
	if b.ctxCalls != 1 {
		t.Errorf("NewContext called %d times, want 1", b.ctxCalls)
	}
	if e.State().IsInitialized || e.State().IsPlaying {
		t.Error("engine not inert after init failure")
	}
}

func TestNilBackendIsInert(t *testing.T) {
	e := New(testCatalog(2), nil)
	defer e.Close()
	err := e.TogglePlay(context.Background())
	var ae *AudioError
	if !errors.As(err, &ae) || ae.Type != ErrorInit || !errors.Is(err, ErrUnavailable) {
		t.Errorf("TogglePlay = %v, want init error wrapping ErrUnavailable", err)
	}
}

func TestTogglePlayPauseResume(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	ctx := context.Background()

	if err := e.TogglePlay(ctx); err != nil {
		t.Fatalf("first TogglePlay: %v", err)
	}
	el := b.last()
	if !e.State().IsPlaying || el.playCalls != 1 {
		t.Fatalf("TogglePlay without binding did not start track 0")
	}

	el.rate = 1.25
	if err := e.TogglePlay(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if e.State().IsPlaying || !el.Paused() || b.ctx.State() != ContextSuspended {
		t.Fatal("pause did not stop element and suspend context")
	}

	if err := e.TogglePlay(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(b.elements) != 1 {
		t.Errorf("resume created %d elements, want the existing binding reused", len(b.elements))
	}
	if el.rate != 1 {
		t.Errorf("playback rate after resume = %v, want 1", el.rate)
	}
	if b.ctx.State() != ContextRunning || el.playCalls != 2 {
		t.Errorf("resume: context %s, play calls %d", b.ctx.State(), el.playCalls)
	}
}

func TestAutoAdvanceOnEnded(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	if err := e.PlayTrack(context.Background(), 2); err != nil {
		t.Fatalf("PlayTrack: %v", err)
	}
	b.last().emit(EventEnded)

	st := e.State()
	if st.CurrentTrackIndex != 0 || !st.IsPlaying {
		t.Errorf("after end: index %d playing %v, want 0 playing", st.CurrentTrackIndex, st.IsPlaying)
	}
	if b.ctx.liveSources() != 1 {
		t.Errorf("live sources = %d, want 1", b.ctx.liveSources())
	}
}

func TestStaleElementEventsIgnored(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	ctx := context.Background()
	_ = e.PlayTrack(ctx, 0)
	old := b.last()
	_ = e.PlayTrack(ctx, 1)

	old.emit(EventEnded)
	old.emit(EventError)
	if st := e.State(); st.CurrentTrackIndex != 1 || !st.IsPlaying || st.Error != nil {
		t.Errorf("stale events changed state: %+v", st)
	}
}

func TestLoadErrorStopsPlayback(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	_ = e.PlayTrack(context.Background(), 1)
	b.last().emit(EventError)

	st := e.State()
	if st.IsPlaying {
		t.Error("still playing after load error")
	}
	if st.Error == nil || st.Error.Type != ErrorLoad || st.Error.TrackIndex == nil || *st.Error.TrackIndex != 1 {
		t.Errorf("state error = %+v, want load error for track 1", st.Error)
	}
	if e.HasBinding() {
		t.Error("failed binding kept")
	}
}

func TestStalledIsAdvisory(t *testing.T) {
	e, b, _ := newTestEngine(t, 3)
	_ = e.PlayTrack(context.Background(), 0)
	b.last().emit(EventStalled)

	st := e.State()
	if !st.IsPlaying {
		t.Error("stall stopped playback")
	}
	if st.Error == nil || st.Error.Type != ErrorNetwork {
		t.Errorf("state error = %+v, want network", st.Error)
	}
}

func TestResolverFailureIsLoadError(t *testing.T) {
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("object not found")
	})
	e, _, _ := newTestEngine(t, 2, WithResolver(resolver))
	err := e.PlayTrack(context.Background(), 0)
	var ae *AudioError
	if !errors.As(err, &ae) || ae.Type != ErrorLoad {
		t.Errorf("err = %v, want load AudioError", err)
	}
}

func TestSeek(t *testing.T) {
	e, b, _ := newTestEngine(t, 1)
	_ = e.PlayTrack(context.Background(), 0)
	el := b.last()

	e.Seek(10)
	if el.current != 0 {
		t.Fatal("seek with unknown duration moved the element")
	}

	el.duration = 100
	tests := []struct {
		name string
		do   func()
		want float64
	}{
		{"past end", func() { e.Seek(150) }, 100},
		{"negative", func() { e.Seek(-3) }, 0},
		{"middle", func() { e.Seek(42) }, 42},
		{"percent", func() { e.SeekToPercent(0.25) }, 25},
		{"percent clamp", func() { e.SeekToPercent(2) }, 100},
		{"relative", func() { e.Seek(50); e.SeekBy(-10) }, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do()
			if el.current != tt.want {
				t.Errorf("element time = %v, want %v", el.current, tt.want)
			}
			if got := e.State().CurrentTime; got != tt.want {
				t.Errorf("state time = %v, want %v", got, tt.want)
			}
		})
	}

	el.duration = math.Inf(1)
	e.Seek(5)
	if el.current != 40 {
		t.Error("seek with infinite duration moved the element")
	}
}

func TestTimeUpdateRefreshesState(t *testing.T) {
	e, b, _ := newTestEngine(t, 1)
	_ = e.PlayTrack(context.Background(), 0)
	el := b.last()
	el.duration = 180
	el.current = 12.5
	el.emit(EventTimeUpdate)

	st := e.State()
	if st.Duration != 180 || st.CurrentTime != 12.5 {
		t.Errorf("state time %v/%v, want 12.5/180", st.CurrentTime, st.Duration)
	}
}

func TestUnexpectedPauseNotifiesObserver(t *testing.T) {
	e, b, _ := newTestEngine(t, 2)
	obs := &recordingObserver{}
	e.AddObserver(obs)
	ctx := context.Background()

	_ = e.PlayTrack(ctx, 0)
	el := b.last()
	el.Pause()
	el.emit(EventPause)
	if obs.paused != 1 {
		t.Fatalf("ElementPaused calls = %d, want 1", obs.paused)
	}

	_ = e.Pause(ctx)
	el.emit(EventPause)
	if obs.paused != 1 {
		t.Errorf("user pause reported as unexpected")
	}
	if len(obs.playing) != 2 || !obs.playing[0] || obs.playing[1] {
		t.Errorf("PlaybackChanged = %v, want [true false]", obs.playing)
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	e, _, _ := newTestEngine(t, 2)
	var got []PlaybackState
	cancel := e.Subscribe(func(s PlaybackState) { got = append(got, s) })

	e.SetVolume(0.5)
	if len(got) != 1 || got[0].Volume != 0.5 {
		t.Fatalf("subscriber got %v", got)
	}
	cancel()
	e.SetVolume(0.7)
	if len(got) != 1 {
		t.Error("cancelled subscriber still notified")
	}
}

func TestCallbacksMayReenterEngine(t *testing.T) {
	e, b, _ := newTestEngine(t, 2)
	b.playErr = ErrNotAllowed
	done := make(chan struct{})
	e.SetErrorHandler(func(*AudioError) {
		_ = e.State()
		close(done)
	})
	go func() { _ = e.PlayTrack(context.Background(), 0) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("error handler deadlocked re-entering the engine")
	}
}

func TestRestoreSession(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	e.RestoreSession(Session{
		TrackIndex: 2,
		Volume:     0.4,
		Muted:      true,
		Stems:      map[Stem]bool{StemBass: false},
	})
	st := e.State()
	if st.CurrentTrackIndex != 2 || st.Volume != 0.4 || !st.IsMuted || st.Stems[StemBass] || !st.Stems[StemDrums] {
		t.Fatalf("restored state = %+v", st)
	}

	if err := e.TogglePlay(context.Background()); err != nil {
		t.Fatalf("TogglePlay: %v", err)
	}
	if e.State().CurrentTrackIndex != 2 {
		t.Error("TogglePlay did not start the restored track")
	}
	if m := gainOf(e.graph.master); m.value != 0 {
		t.Errorf("muted session built master gain %v, want 0", m.value)
	}

	e.RestoreSession(Session{TrackIndex: 9, Volume: 1})
	if e.State().CurrentTrackIndex != 2 {
		t.Error("out of range session index applied")
	}
}

func TestTracksFiltersUnreleased(t *testing.T) {
	past := testEpoch.AddDate(0, 0, -1)
	future := testEpoch.AddDate(0, 0, 1)
	tracks := []model.Track{
		{Title: "out", ReleaseDate: &past},
		{Title: "soon", ReleaseDate: &future},
		{Title: "undated"},
		{Title: "also out", ReleaseDate: &past},
	}
	e, _, _ := newTestEngine(t, 0)
	e2 := New(tracks, &fakeBackend{}, WithClock(e.clock))
	defer e2.Close()

	got := e2.Tracks()
	if len(got) != 2 || got[0].Title != "out" || got[1].Title != "also out" {
		t.Errorf("Tracks() = %v", got)
	}
}

func TestCloseReleasesGraph(t *testing.T) {
	e, b, _ := newTestEngine(t, 2)
	_ = e.PlayTrack(context.Background(), 0)
	el := b.last()

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !b.ctx.closed || !el.closed || b.ctx.liveSources() != 0 {
		t.Error("Close leaked native resources")
	}
	if err := e.PlayTrack(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("PlayTrack after Close = %v, want ErrClosed", err)
	}
}

func TestBandAverages(t *testing.T) {
	// 128 bins at 48 kHz: 187.5 Hz per bin.
	bins := make([]byte, 128)
	bins[0], bins[1] = 255, 255
	for i := 2; i < 22; i++ {
		bins[i] = 51
	}
	bass, mid, high := bandAverages(bins, 48000)
	if bass != 1 {
		t.Errorf("bass = %v, want 1", bass)
	}
	if math.Abs(mid-0.2) > 1e-9 {
		t.Errorf("mid = %v, want 0.2", mid)
	}
	if high != 0 {
		t.Errorf("high = %v, want 0", high)
	}
}

func TestSnapshot(t *testing.T) {
	e, b, _ := newTestEngine(t, 1)
	if f := e.Snapshot(); len(f.FrequencyBins) != 0 {
		t.Fatalf("snapshot before init has %d bins", len(f.FrequencyBins))
	}
	_ = e.PlayTrack(context.Background(), 0)
	b.ctx.analyser.data = []byte{200, 100}

	f := e.Snapshot()
	if len(f.FrequencyBins) != AnalyserFFTSize/2 {
		t.Fatalf("bins = %d, want %d", len(f.FrequencyBins), AnalyserFFTSize/2)
	}
	if f.BassAvg <= 0 || f.HighAvg != 0 {
		t.Errorf("frame averages = %v/%v/%v", f.BassAvg, f.MidAvg, f.HighAvg)
	}
}
