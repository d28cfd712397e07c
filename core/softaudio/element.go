package softaudio

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gopxl/beep/v2"
	"go.uber.org/zap"

	"stemfm/core/audio"
)

const (
	// bufferSeconds of decoded audio are kept ahead of the render position.
	bufferSeconds = 2.0
	// canPlaySeconds buffered (or end of stream) fires canplaythrough.
	canPlaySeconds = 0.5
	decodeChunk    = 1024
	resampleQual   = 4
	timeUpdateStep = 0.25
)

// Element is a media element decoded by a background goroutine into a ring
// buffer that the render loop drains. It implements audio.MediaElement.
type Element struct {
	src     string
	outRate int
	log     *zap.Logger
	events  *dispatcher[audio.ElementEvent]
	loaded  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	mu         sync.Mutex
	cond       *sync.Cond
	loadErr    error
	stream     beep.StreamSeekCloser
	format     beep.Format
	duration   float64
	paused     bool
	ended      bool
	closed     bool
	bound      bool
	rate       float64
	pos        float64
	lastUpdate float64
	stalled    bool
	canPlay    bool

	ring      [][2]float32
	head      int
	size      int
	eof       bool
	streamErr error
	seekGen   uint64
	seekTo    float64
}

func newElement(src string, outRate int, log *zap.Logger) *Element {
	e := &Element{
		src:      src,
		outRate:  outRate,
		log:      log.With(zap.String("src", src)),
		events:   newDispatcher[audio.ElementEvent](64),
		loaded:   make(chan struct{}),
		done:     make(chan struct{}),
		duration: math.NaN(),
		paused:   true,
		rate:     1,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Element) load(d *Decoder) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	closed := e.closed
	e.mu.Unlock()
	defer cancel()
	if closed {
		return
	}

	stream, format, duration, err := d.Open(ctx, e.src)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		e.loadErr = err
		e.mu.Unlock()
		close(e.loaded)
		e.log.Warn("failed to load track", zap.Error(err))
		e.events.emit(audio.ElementEvent{Type: audio.EventError, Err: err})
		return
	}
	e.stream = stream
	e.format = format
	e.duration = duration
	e.ring = make([][2]float32, int(bufferSeconds*float64(e.outRate)))
	e.mu.Unlock()

	close(e.loaded)
	e.events.emit(audio.ElementEvent{Type: audio.EventLoadedMetadata})
	e.decodeLoop()
}

// decodeLoop fills the ring until the element closes. It owns the stream and
// closes it on exit.
func (e *Element) decodeLoop() {
	defer e.stream.Close()

	chunk := make([][2]float64, decodeChunk)
	base := float64(e.format.SampleRate) / float64(e.outRate)
	res := beep.ResampleRatio(resampleQual, base, e.stream)
	applied := 1.0
	var gen uint64

	for {
		e.mu.Lock()
		for !e.closed && e.seekGen == gen && (e.eof || e.size+decodeChunk > len(e.ring)) {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		if e.seekGen != gen {
			gen = e.seekGen
			target := int(e.seekTo * float64(e.format.SampleRate))
			e.head, e.size, e.eof, e.streamErr = 0, 0, false, nil
			e.mu.Unlock()

			if n := e.stream.Len(); n > 0 && target > n {
				target = n
			}
			if err := e.stream.Seek(target); err != nil {
				e.log.Warn("seek failed", zap.Int("frame", target), zap.Error(err))
			}
			res = beep.ResampleRatio(resampleQual, base*applied, e.stream)
			continue
		}
		rate := e.rate
		e.mu.Unlock()

		if rate != applied {
			res.SetRatio(base * rate)
			applied = rate
		}
		n, ok := res.Stream(chunk)

		e.mu.Lock()
		if e.seekGen != gen || e.closed {
			e.mu.Unlock()
			continue
		}
		for i := 0; i < n; i++ {
			e.ring[(e.head+e.size)%len(e.ring)] = [2]float32{float32(chunk[i][0]), float32(chunk[i][1])}
			e.size++
		}
		if !ok {
			e.eof = true
			e.streamErr = res.Err()
		}
		fire := !e.canPlay && (e.eof || float64(e.size) >= canPlaySeconds*float64(e.outRate))
		if fire {
			e.canPlay = true
		}
		e.mu.Unlock()

		if fire {
			e.events.emit(audio.ElementEvent{Type: audio.EventCanPlayThrough})
		}
	}
}

// render drains one block into out. It runs under the context lock and must
// not block on decoding.
func (e *Element) render(out []float32, sampleRate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frames := len(out) / 2
	n := 0
	if !e.paused && !e.closed && e.ring != nil {
		for ; n < frames && e.size > 0; n++ {
			f := e.ring[e.head]
			out[2*n], out[2*n+1] = f[0], f[1]
			e.head = (e.head + 1) % len(e.ring)
			e.size--
		}
	}
	for i := 2 * n; i < len(out); i++ {
		out[i] = 0
	}
	if e.paused || e.closed || e.ring == nil {
		return
	}
	if n > 0 {
		e.pos += float64(n) * e.rate / sampleRate
		e.cond.Broadcast()
	}

	if n < frames {
		switch {
		case e.eof && e.streamErr != nil:
			e.paused = true
			e.emitLocked(audio.ElementEvent{Type: audio.EventError, Err: fmt.Errorf("decode %s: %w", e.src, e.streamErr)})
			return
		case e.eof:
			e.paused = true
			e.ended = true
			if !math.IsInf(e.duration, 0) && !math.IsNaN(e.duration) {
				e.pos = e.duration
			}
			e.emitLocked(audio.ElementEvent{Type: audio.EventTimeUpdate})
			e.emitLocked(audio.ElementEvent{Type: audio.EventEnded})
			return
		case !e.stalled && e.canPlay:
			e.stalled = true
			e.emitLocked(audio.ElementEvent{Type: audio.EventStalled})
		}
	} else {
		e.stalled = false
	}

	if e.pos-e.lastUpdate >= timeUpdateStep || e.pos < e.lastUpdate {
		e.lastUpdate = e.pos
		e.emitLocked(audio.ElementEvent{Type: audio.EventTimeUpdate})
	}
}

func (e *Element) emitLocked(ev audio.ElementEvent) {
	if !e.events.emit(ev) {
		e.log.Debug("element event dropped", zap.String("event", string(ev.Type)))
	}
}

func (e *Element) bind() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound {
		return fmt.Errorf("%w: element already bound to a source node", audio.ErrNotSupported)
	}
	e.bound = true
	return nil
}

func (e *Element) Src() string { return e.src }

// Play waits for the source to load, then starts consuming it. A finished
// element restarts from the beginning.
func (e *Element) Play(ctx context.Context) error {
	select {
	case <-e.loaded:
	case <-e.done:
		return fmt.Errorf("%w: element closed", audio.ErrAborted)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", audio.ErrAborted, ctx.Err())
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: element closed", audio.ErrAborted)
	}
	if e.loadErr != nil {
		e.mu.Unlock()
		return e.loadErr
	}
	if e.ended {
		e.seekLocked(0)
	}
	wasPaused := e.paused
	e.paused = false
	e.mu.Unlock()

	if wasPaused {
		e.events.emit(audio.ElementEvent{Type: audio.EventPlay})
	}
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	if e.paused || e.closed {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.mu.Unlock()
	e.events.emit(audio.ElementEvent{Type: audio.EventPause})
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// SetCurrentTime seeks. Seeks before load are applied once decoding starts.
func (e *Element) SetCurrentTime(t float64) {
	if math.IsNaN(t) {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seekLocked(t)
	e.mu.Unlock()
	e.events.emit(audio.ElementEvent{Type: audio.EventTimeUpdate})
}

func (e *Element) seekLocked(t float64) {
	if t < 0 {
		t = 0
	}
	if d := e.duration; !math.IsNaN(d) && !math.IsInf(d, 0) && t > d {
		t = d
	}
	e.pos, e.lastUpdate = t, t
	e.seekTo = t
	e.seekGen++
	e.ended = false
	e.stalled = false
	e.canPlay = false
	e.cond.Broadcast()
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *Element) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetPlaybackRate changes speed through the resampler; pitch follows.
func (e *Element) SetPlaybackRate(r float64) {
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return
	}
	e.mu.Lock()
	e.rate = r
	e.mu.Unlock()
}

func (e *Element) SetHandler(fn func(audio.ElementEvent)) { e.events.set(fn) }

// Close stops decoding and releases the source. It is idempotent.
func (e *Element) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.paused = true
	cancel := e.cancel
	stream := e.stream
	e.cond.Broadcast()
	e.mu.Unlock()

	close(e.done)
	if cancel != nil {
		cancel()
	}
	if k, ok := stream.(interface{ Kill() }); ok {
		k.Kill()
	}
	e.events.close()
}
