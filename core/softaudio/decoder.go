package softaudio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"stemfm/core/audio"
)

// Decoder opens track sources. Local mp3, wav, flac and ogg files are decoded
// in process; everything else (remote URLs, other containers) goes through
// ffmpeg.
type Decoder struct {
	ffmpegPath  string
	ffprobePath string
	sampleRate  int
}

func NewDecoder(ffmpegPath, ffprobePath string, sampleRate int) *Decoder {
	if ffprobePath == "" {
		ffprobePath = strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)
	}
	return &Decoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, sampleRate: sampleRate}
}

// Open returns a seekable stream for src and its duration in seconds. The
// duration is +Inf when it cannot be determined. Errors wrap
// audio.ErrNotSupported.
func (d *Decoder) Open(ctx context.Context, src string) (beep.StreamSeekCloser, beep.Format, float64, error) {
	if path, ok := localPath(src); ok {
		if s, format, handled, err := d.openFile(path); handled {
			if err != nil {
				return nil, beep.Format{}, 0, fmt.Errorf("%w: decode %s: %v", audio.ErrNotSupported, path, err)
			}
			return s, format, seconds(s.Len(), format.SampleRate), nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil, beep.Format{}, 0, fmt.Errorf("%w: %v", audio.ErrNotSupported, err)
		}
		src = path
	}

	duration, err := d.ProbeDuration(ctx, src)
	if err != nil {
		duration = math.Inf(1)
	}
	s := &ffmpegStream{d: d, src: src}
	if duration > 0 && !math.IsInf(duration, 1) {
		s.length = int(duration * float64(d.sampleRate))
	}
	if err := s.start(0); err != nil {
		return nil, beep.Format{}, 0, fmt.Errorf("%w: %v", audio.ErrNotSupported, err)
	}
	format := beep.Format{SampleRate: beep.SampleRate(d.sampleRate), NumChannels: 2, Precision: 4}
	return s, format, duration, nil
}

func localPath(src string) (string, bool) {
	if strings.HasPrefix(src, "file://") {
		return strings.TrimPrefix(src, "file://"), true
	}
	if strings.Contains(src, "://") {
		return "", false
	}
	return src, true
}

func seconds(frames int, rate beep.SampleRate) float64 {
	if rate <= 0 {
		return math.Inf(1)
	}
	return float64(frames) / float64(rate)
}

// openFile decodes natively supported containers. handled is false when the
// extension needs ffmpeg.
func (d *Decoder) openFile(path string) (s beep.StreamSeekCloser, format beep.Format, handled bool, err error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp3", ".wav", ".flac", ".ogg":
	default:
		return nil, beep.Format{}, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, true, err
	}
	switch ext {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".flac":
		s, format, err = flac.Decode(f)
	case ".ogg":
		s, format, err = vorbis.Decode(f)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, true, err
	}
	return s, format, true, nil
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration uses ffprobe to get the duration of src in seconds.
func (d *Decoder) ProbeDuration(ctx context.Context, src string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		src,
	}
	cmd := exec.CommandContext(ctx, d.ffprobePath, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", src, err, stderr.String())
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probe); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w", src, err)
	}
	if probe.Format.Duration == "" || probe.Format.Duration == "N/A" {
		return 0, fmt.Errorf("duration not found in ffprobe output for %s", src)
	}
	duration, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", probe.Format.Duration, err)
	}
	return duration, nil
}

// ffmpegStream decodes through an ffmpeg child producing f32le stereo at the
// decoder's rate. Seeking restarts the child with -ss.
type ffmpegStream struct {
	d      *Decoder
	src    string
	length int
	pos    int
	r      *bufio.Reader
	raw    []byte
	err    error
	stderr bytes.Buffer

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (s *ffmpegStream) start(frame int) error {
	s.stop()

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if frame > 0 {
		args = append(args, "-ss", strconv.FormatFloat(float64(frame)/float64(s.d.sampleRate), 'f', 3, 64))
	}
	args = append(args,
		"-i", s.src,
		"-vn",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "2",
		"-ar", strconv.Itoa(s.d.sampleRate),
		"pipe:1",
	)

	cmd := exec.Command(s.d.ffmpegPath, args...)
	s.stderr.Reset()
	cmd.Stderr = &s.stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.r = bufio.NewReaderSize(out, 64<<10)
	s.pos = frame
	s.err = nil
	return nil
}

func (s *ffmpegStream) Stream(samples [][2]float64) (int, bool) {
	if s.err != nil || s.r == nil {
		return 0, false
	}
	need := len(samples) * 8
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	buf := s.raw[:need]

	n, err := io.ReadFull(s.r, buf)
	frames := n / 8
	for i := 0; i < frames; i++ {
		samples[i][0] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8*i:])))
		samples[i][1] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8*i+4:])))
	}
	s.pos += frames
	if err == nil {
		return frames, true
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.err = fmt.Errorf("read ffmpeg output: %w", err)
	} else if werr := s.wait(); werr != nil {
		s.err = fmt.Errorf("ffmpeg failed for %s: %w: %s", s.src, werr, strings.TrimSpace(s.stderr.String()))
	}
	s.r = nil
	return frames, frames > 0
}

func (s *ffmpegStream) Err() error { return s.err }

func (s *ffmpegStream) Len() int { return s.length }

func (s *ffmpegStream) Position() int { return s.pos }

func (s *ffmpegStream) Seek(p int) error {
	if p < 0 || (s.length > 0 && p > s.length) {
		return fmt.Errorf("seek position %d out of range [0, %d]", p, s.length)
	}
	return s.start(p)
}

func (s *ffmpegStream) Close() error {
	s.stop()
	return nil
}

// Kill interrupts a blocked read from another goroutine.
func (s *ffmpegStream) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func (s *ffmpegStream) wait() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Wait()
}

func (s *ffmpegStream) stop() {
	s.Kill()
	s.wait()
	s.r = nil
}
