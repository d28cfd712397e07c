package model

import (
	"math"
	"time"
)

// Track represents a catalog entry. The engine only reads it.
type Track struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Title       string     `json:"title" gorm:"size:255;uniqueIndex;not null"`
	Artist      string     `json:"artist" gorm:"size:255"`
	Album       string     `json:"album" gorm:"size:255"`
	Src         string     `json:"src" gorm:"size:1024;not null"`   // file path, URL or minio:// locator
	Color       string     `json:"color" gorm:"size:32"`            // theming hint, opaque to the engine
	Artwork     string     `json:"artwork,omitempty" gorm:"size:1024"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`           // nil or future means unreleased
	Gain        *float64   `json:"gain,omitempty"`                  // loudness normalization, default 1.0
	Position    int        `json:"position" gorm:"index;not null;default:0"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName pins the gorm table name.
func (Track) TableName() string { return "tracks" }

// IsReleased reports whether the track is playable at now.
func (t Track) IsReleased(now time.Time) bool {
	return t.ReleaseDate != nil && !t.ReleaseDate.After(now)
}

// NormalizedGain returns the per-track gain multiplier, defaulting to 1.
func (t Track) NormalizedGain() float64 {
	if t.Gain == nil || math.IsNaN(*t.Gain) || math.IsInf(*t.Gain, 0) || *t.Gain < 0 {
		return 1.0
	}
	return *t.Gain
}

// Available filters a catalog down to released tracks, keeping order.
func Available(tracks []Track, now time.Time) []Track {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t.IsReleased(now) {
			out = append(out, t)
		}
	}
	return out
}
