package audio

import (
	"fmt"
	"strings"
)

// Stem names one of the four frequency-band approximations of a mixed track.
type Stem string

const (
	StemDrums Stem = "DRUMS"
	StemBass  Stem = "BASS"
	StemSynth Stem = "SYNTH"
	StemFX    Stem = "FX"
)

// AllStems lists stems in routing order.
var AllStems = []Stem{StemDrums, StemBass, StemSynth, StemFX}

// ParseStem accepts stem names case-insensitively.
func ParseStem(s string) (Stem, error) {
	st := Stem(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStems {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stem %q", s)
}

// PlaybackState is the single source of truth for transport state.
type PlaybackState struct {
	IsPlaying         bool          `json:"isPlaying"`
	CurrentTrackIndex int           `json:"currentTrackIndex"`
	CurrentTime       float64       `json:"currentTime"`
	Duration          float64       `json:"duration"` // 0 while unknown
	Volume            float64       `json:"volume"`
	IsMuted           bool          `json:"isMuted"`
	Stems             map[Stem]bool `json:"stems"`
	IsInitialized     bool          `json:"isInitialized"`
	Error             *AudioError   `json:"error"`
}

func newPlaybackState() PlaybackState {
	stems := make(map[Stem]bool, len(AllStems))
	for _, s := range AllStems {
		stems[s] = true
	}
	return PlaybackState{Volume: 1, Stems: stems}
}

func (s PlaybackState) clone() PlaybackState {
	out := s
	out.Stems = make(map[Stem]bool, len(s.Stems))
	for k, v := range s.Stems {
		out.Stems[k] = v
	}
	if s.Error != nil {
		errCopy := *s.Error
		out.Error = &errCopy
	}
	return out
}

// ActiveStemCount returns how many stems are currently enabled.
func (s PlaybackState) ActiveStemCount() int {
	n := 0
	for _, st := range AllStems {
		if s.Stems[st] {
			n++
		}
	}
	return n
}

// Session is the persisted subset of PlaybackState.
type Session struct {
	TrackIndex int           `json:"trackIndex"`
	Volume     float64       `json:"volume"`
	Muted      bool          `json:"muted"`
	Stems      map[Stem]bool `json:"stems"`
}

// SessionOf extracts the persistable part of a state.
func SessionOf(s PlaybackState) Session {
	c := s.clone()
	return Session{TrackIndex: c.CurrentTrackIndex, Volume: c.Volume, Muted: c.IsMuted, Stems: c.Stems}
}
