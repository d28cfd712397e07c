package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"stemfm/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(&config.Config{
		MinioEndpoint:  "127.0.0.1:9000",
		MinioAccessKey: "access",
		MinioSecretKey: "secret-key",
		MinioRegion:    "us-east-1",
		MinioBucket:    "stemfm",
		PresignExpiry:  15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		src         string
		bucket, key string
		ok          bool
	}{
		{"minio://stemfm/tracks/one.mp3", "stemfm", "tracks/one.mp3", true},
		{"minio://stemfm/", "", "", false},
		{"minio:///key.mp3", "", "", false},
		{"minio://stemfm", "", "", false},
		{"https://cdn.example.com/one.mp3", "", "", false},
		{"tracks/one.mp3", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseLocator(tt.src)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Errorf("ParseLocator(%q) = %q, %q, %v", tt.src, bucket, key, ok)
		}
	}
}

func TestResolvePresignsObjects(t *testing.T) {
	s := testStore(t)
	got, err := s.Resolve(context.Background(), "minio://stemfm/tracks/one.mp3")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "127.0.0.1:9000" || u.Path != "/stemfm/tracks/one.mp3" {
		t.Errorf("presigned url = %s", got)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "900" || q.Get("X-Amz-Signature") == "" {
		t.Errorf("presign query = %v", q)
	}
}

func TestResolvePassesOtherSources(t *testing.T) {
	s := testStore(t)
	for _, src := range []string{"/srv/music/a.flac", "https://cdn.example.com/a.mp3"} {
		got, err := s.Resolve(context.Background(), src)
		if err != nil || got != src {
			t.Errorf("Resolve(%q) = %q, %v", src, got, err)
		}
	}
	if _, err := s.Resolve(context.Background(), "minio://broken"); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("malformed locator err = %v", err)
	}
}

func TestIsAudioKey(t *testing.T) {
	for key, want := range map[string]bool{
		"a/b/track.MP3":   true,
		"stems/kick.flac": true,
		"cover.jpg":       false,
		"notes":           false,
	} {
		if IsAudioKey(key) != want {
			t.Errorf("IsAudioKey(%q) != %v", key, want)
		}
	}
	if got := (ObjectInfo{Key: "x/y.mp3"}).Locator("b"); got != "minio://b/x/y.mp3" {
		t.Errorf("locator = %q", got)
	}
}
