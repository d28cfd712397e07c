package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"stemfm/core/audio"
)

const sessionKey = "stemfm:session:%s" // String: Session JSON

// ErrNoSession is returned when nothing has been saved for the session id.
var ErrNoSession = errors.New("no saved session")

// kv is the part of the Redis client the session cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// SessionCache persists the listener's volume, mute, stems and track so a
// restarted server comes back the way it was left.
type SessionCache struct {
	client kv
	id     string
	ttl    time.Duration
}

// NewSessionCache 创建会话缓存
func NewSessionCache(client *redis.Client, id string, ttl time.Duration) *SessionCache {
	return newSessionCache(client, id, ttl)
}

func newSessionCache(client kv, id string, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, id: id, ttl: ttl}
}

func (c *SessionCache) key() string { return fmt.Sprintf(sessionKey, c.id) }

// Save stores s, refreshing the expiry.
func (c *SessionCache) Save(ctx context.Context, s audio.Session) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := c.client.Set(ctx, c.key(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", c.id, err)
	}
	return nil
}

// Load returns the saved session or ErrNoSession.
func (c *SessionCache) Load(ctx context.Context) (audio.Session, error) {
	if c.client == nil {
		return audio.Session{}, fmt.Errorf("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, c.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return audio.Session{}, ErrNoSession
	}
	if err != nil {
		return audio.Session{}, fmt.Errorf("failed to load session %s: %w", c.id, err)
	}
	var s audio.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return audio.Session{}, fmt.Errorf("failed to unmarshal session %s: %w", c.id, err)
	}
	return s, nil
}

// Clear removes the saved session.
func (c *SessionCache) Clear(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, c.key()).Err()
}

// Persister saves sessions in the background as the engine state changes,
// writing only when the persisted subset differs from the last write.
type Persister struct {
	cache   *SessionCache
	timeout time.Duration
	onError func(error)
	updates chan audio.Session
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	last    *audio.Session
}

// NewPersister starts a writer goroutine. onError may be nil.
func NewPersister(c *SessionCache, onError func(error)) *Persister {
	p := &Persister{
		cache:   c,
		timeout: 3 * time.Second,
		onError: onError,
		updates: make(chan audio.Session, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Observe is an engine subscriber. It never blocks; when writes fall behind
// only the newest session is kept. Calls after Close are ignored.
func (p *Persister) Observe(s audio.PlaybackState) {
	sess := audio.SessionOf(s)
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case p.updates <- sess:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

// Close flushes the pending write and stops the writer. It is idempotent.
func (p *Persister) Close() {
	p.once.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Persister) loop() {
	defer close(p.done)
	for {
		select {
		case s := <-p.updates:
			p.save(s)
		case <-p.quit:
			select {
			case s := <-p.updates:
				p.save(s)
			default:
			}
			return
		}
	}
}

func (p *Persister) save(s audio.Session) {
	if p.last != nil && sameSession(*p.last, s) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	err := p.cache.Save(ctx, s)
	cancel()
	if err != nil {
		if p.onError != nil {
			p.onError(err)
		}
		return
	}
	p.last = &s
}

func sameSession(a, b audio.Session) bool {
	if a.TrackIndex != b.TrackIndex || a.Volume != b.Volume || a.Muted != b.Muted || len(a.Stems) != len(b.Stems) {
		return false
	}
	for k, v := range a.Stems {
		if bv, ok := b.Stems[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
