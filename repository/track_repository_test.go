package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"stemfm/model"
)

// dryRunDB builds statements without a server and records their SQL.
func dryRunDB(t *testing.T) (*gorm.DB, *[]string) {
	t.Helper()
	gdb, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "fm:fm@tcp(127.0.0.1:1)/stemfm?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatal(err)
	}
	var sqls []string
	capture := func(db *gorm.DB) { sqls = append(sqls, db.Statement.SQL.String()) }
	if err := gdb.Callback().Query().After("gorm:query").Register("test:capture_query", capture); err != nil {
		t.Fatal(err)
	}
	if err := gdb.Callback().Create().After("gorm:create").Register("test:capture_create", capture); err != nil {
		t.Fatal(err)
	}
	return gdb, &sqls
}

func TestGormListTracksOrdersByPosition(t *testing.T) {
	gdb, sqls := dryRunDB(t)
	repo := NewGormTrackRepository(gdb)
	if _, err := repo.ListTracks(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*sqls) != 1 {
		t.Fatalf("statements = %q", *sqls)
	}
	q := (*sqls)[0]
	if !strings.Contains(q, "FROM `tracks`") || !strings.Contains(q, "ORDER BY position ASC,id ASC") {
		t.Errorf("query = %s", q)
	}
}

func TestGormSaveTracksUpsertsByTitle(t *testing.T) {
	gdb, sqls := dryRunDB(t)
	repo := NewGormTrackRepository(gdb)
	tracks := []model.Track{
		{Title: "Opening", Src: "a.mp3"},
		{Title: "Closing", Src: "b.mp3"},
	}
	if err := repo.SaveTracks(context.Background(), tracks); err != nil {
		t.Fatal(err)
	}
	if len(*sqls) != 1 {
		t.Fatalf("statements = %q", *sqls)
	}
	q := (*sqls)[0]
	if !strings.HasPrefix(q, "INSERT INTO `tracks`") || !strings.Contains(q, "ON DUPLICATE KEY UPDATE") {
		t.Errorf("insert = %s", q)
	}
	if tracks[1].Position != 0 {
		t.Error("caller's slice was modified")
	}
}

func TestValidateCatalog(t *testing.T) {
	tests := []struct {
		name    string
		tracks  []model.Track
		wantErr string
	}{
		{"ok", []model.Track{{Title: "a", Src: "a"}, {Title: "b", Src: "b"}}, ""},
		{"empty title", []model.Track{{Src: "a"}}, "empty title"},
		{"empty src", []model.Track{{Title: "a"}}, "empty src"},
		{"duplicate", []model.Track{{Title: "a", Src: "1"}, {Title: "a", Src: "2"}}, "duplicate title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCatalog(tt.tracks)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFileCatalogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.json")
	repo := NewFileTrackRepository(path)
	release := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	gain := 0.8
	in := []model.Track{
		{Title: "First", Src: "minio://stemfm/first.mp3", Color: "#ff0044", ReleaseDate: &release},
		{Title: "Second", Src: "second.flac", Gain: &gain},
	}
	if err := repo.SaveTracks(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	out, err := repo.ListTracks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Title != "First" || out[1].Position != 1 {
		t.Fatalf("tracks = %+v", out)
	}
	if out[1].NormalizedGain() != 0.8 || !out[0].IsReleased(release) {
		t.Errorf("fields lost: %+v", out)
	}
}

func TestFileCatalogSortsByPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	data := `[
		{"title": "b", "src": "b.mp3", "position": 2},
		{"title": "a", "src": "a.mp3", "position": 1}
	]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := NewFileTrackRepository(path).ListTracks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Title != "a" || out[1].Title != "b" {
		t.Errorf("order = %s, %s", out[0].Title, out[1].Title)
	}
}

func TestFileCatalogErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"title": "not an array"}`), 0644)
	dup := filepath.Join(dir, "dup.json")
	os.WriteFile(dup, []byte(`[{"title":"x","src":"1"},{"title":"x","src":"2"}]`), 0644)

	for _, path := range []string{filepath.Join(dir, "missing.json"), bad, dup} {
		if _, err := NewFileTrackRepository(path).ListTracks(context.Background()); err == nil {
			t.Errorf("%s: expected error", filepath.Base(path))
		}
	}
}
