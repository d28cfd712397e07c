package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stemfm/model"
)

// fileTrackRepository keeps the catalog as a JSON array on disk. Array order
// is play order unless positions are given.
type fileTrackRepository struct {
	path string
}

// NewFileTrackRepository creates a repository backed by the JSON file at path.
func NewFileTrackRepository(path string) TrackRepository {
	return &fileTrackRepository{path: path}
}

func (r *fileTrackRepository) ListTracks(ctx context.Context) ([]model.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", r.path, err)
	}
	var tracks []model.Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", r.path, err)
	}
	if err := ValidateCatalog(tracks); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", r.path, err)
	}
	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Position < tracks[j].Position })
	return tracks, nil
}

func (r *fileTrackRepository) SaveTracks(ctx context.Context, tracks []model.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateCatalog(tracks); err != nil {
		return err
	}
	rows := make([]model.Track, len(tracks))
	copy(rows, tracks)
	for i := range rows {
		rows[i].Position = i
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create catalog dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace catalog: %w", err)
	}
	return nil
}
