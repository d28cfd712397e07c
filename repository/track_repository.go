package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stemfm/model"
)

// TrackRepository defines the catalog operations the engine and CLI need.
type TrackRepository interface {
	// ListTracks returns the whole catalog in play order, released or not.
	ListTracks(ctx context.Context) ([]model.Track, error)
	// SaveTracks upserts tracks by title, assigning positions from slice order.
	SaveTracks(ctx context.Context, tracks []model.Track) error
}

// ValidateCatalog checks that every track has a src and a unique, non-empty title.
func ValidateCatalog(tracks []model.Track) error {
	seen := make(map[string]struct{}, len(tracks))
	var errs []error
	for i, t := range tracks {
		switch {
		case t.Title == "":
			errs = append(errs, fmt.Errorf("track %d: empty title", i))
			continue
		case t.Src == "":
			errs = append(errs, fmt.Errorf("track %q: empty src", t.Title))
		}
		if _, dup := seen[t.Title]; dup {
			errs = append(errs, fmt.Errorf("track %q: duplicate title", t.Title))
		}
		seen[t.Title] = struct{}{}
	}
	return errors.Join(errs...)
}

// gormTrackRepository implements TrackRepository on MySQL through gorm.
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository creates a repository on db.
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

func (r *gormTrackRepository) ListTracks(ctx context.Context) ([]model.Track, error) {
	var tracks []model.Track
	if err := r.db.WithContext(ctx).Order("position ASC").Order("id ASC").Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	return tracks, nil
}

func (r *gormTrackRepository) SaveTracks(ctx context.Context, tracks []model.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	if err := ValidateCatalog(tracks); err != nil {
		return err
	}
	rows := make([]model.Track, len(tracks))
	copy(rows, tracks)
	for i := range rows {
		rows[i].Position = i
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "title"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"artist", "album", "src", "color", "artwork", "release_date", "gain", "position", "updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save %d tracks: %w", len(rows), err)
	}
	return nil
}
