package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// Locator returns the catalog src for the object.
func (o ObjectInfo) Locator(bucket string) string {
	return Scheme + bucket + "/" + o.Key
}

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".ogg": true,
	".m4a": true, ".aac": true, ".opus": true,
}

// IsAudioKey reports whether key looks like a playable audio object.
func IsAudioKey(key string) bool {
	return audioExts[strings.ToLower(path.Ext(key))]
}

// ListAudio lists audio objects under prefix in the default bucket, sorted by key.
func (s *Store) ListAudio(ctx context.Context, prefix string) ([]ObjectInfo, BucketStats, error) {
	var (
		objects []ObjectInfo
		stats   BucketStats
	)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, BucketStats{}, fmt.Errorf("列出文件失败: %w", obj.Err)
		}
		if !IsAudioKey(obj.Key) {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
		})
		stats.TotalObjects++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, stats, nil
}
