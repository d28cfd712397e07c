package softaudio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"stemfm/core/audio"
)

// bytesPerFrame is interleaved stereo signed 16-bit little endian.
const bytesPerFrame = 4

// Stream is a started output pulling PCM from the context.
type Stream interface {
	Play()
	Pause()
	Close() error
}

// Output opens a stream that reads rendered PCM from r.
type Output interface {
	Open(r io.Reader, sampleRate int, buffer time.Duration) (Stream, error)
}

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
	otoRate int
)

// DeviceOutput plays through the host sound device.
type DeviceOutput struct{}

func (DeviceOutput) Open(r io.Reader, sampleRate int, buffer time.Duration) (Stream, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if otoErr != nil {
			return
		}
		<-ready
		otoRate = sampleRate
	})
	if otoErr != nil {
		return nil, fmt.Errorf("%w: open sound device: %v", audio.ErrUnavailable, otoErr)
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("%w: device already opened at %d Hz", audio.ErrNotSupported, otoRate)
	}
	p := otoCtx.NewPlayer(r)
	p.SetBufferSize(int(buffer.Seconds()*float64(sampleRate)) * bytesPerFrame)
	return p, nil
}

// NullOutput consumes audio in real time without a device, for hosts with
// no sound card. The clock still advances so playback and events proceed.
type NullOutput struct{}

func (NullOutput) Open(r io.Reader, sampleRate int, buffer time.Duration) (Stream, error) {
	if buffer <= 0 {
		buffer = 20 * time.Millisecond
	}
	return &nullStream{r: r, tick: buffer, chunk: int(buffer.Seconds()*float64(sampleRate)) * bytesPerFrame}, nil
}

type nullStream struct {
	r     io.Reader
	tick  time.Duration
	chunk int

	mu   sync.Mutex
	stop chan struct{}
}

func (s *nullStream) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	go func() {
		buf := make([]byte, s.chunk)
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if _, err := s.r.Read(buf); err != nil {
					return
				}
			}
		}
	}()
}

func (s *nullStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *nullStream) Close() error {
	s.Pause()
	return nil
}
