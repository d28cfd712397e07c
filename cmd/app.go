package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stemfm/cache"
	"stemfm/config"
	"stemfm/core/audio"
	"stemfm/core/mediasession"
	"stemfm/core/platform"
	"stemfm/core/resilience"
	"stemfm/core/softaudio"
	"stemfm/db"
	"stemfm/logger"
	"stemfm/model"
	"stemfm/repository"
	"stemfm/storage"
)

const deviceDebounce = 250 * time.Millisecond

// app is one running engine with its monitor, persistence and media
// session mirror.
type app struct {
	cfg     *config.Config
	engine  *audio.Engine
	monitor *resilience.Monitor
	bridge  *mediasession.Bridge
	closers []func()
}

func initLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	})
}

// openCatalog returns the configured track repository. The db variant
// connects the global gorm handle.
func openCatalog(cfg *config.Config) (repository.TrackRepository, func(), error) {
	if cfg.CatalogSource != "db" {
		return repository.NewFileTrackRepository(cfg.CatalogFile), func() {}, nil
	}
	if err := db.ConnectGormDB(cfg); err != nil {
		return nil, nil, err
	}
	return repository.NewGormTrackRepository(db.GormDB), func() { db.CloseGormDB() }, nil
}

func loadTracks(ctx context.Context, cfg *config.Config) ([]model.Track, func(), error) {
	repo, closeRepo, err := openCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	tracks, err := repo.ListTracks(ctx)
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	return tracks, closeRepo, nil
}

func newBackend(cfg *config.Config) *softaudio.Backend {
	var out softaudio.Output = softaudio.DeviceOutput{}
	if cfg.AudioOutput == "null" {
		out = softaudio.NullOutput{}
	}
	return softaudio.New(softaudio.Config{
		SampleRate:  cfg.SampleRate,
		Buffer:      cfg.OutputBuffer,
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Output:      out,
	}, logger.Named("softaudio"))
}

func engineConfig(cfg *config.Config) audio.Config {
	ec := audio.DefaultConfig()
	ec.RampTime = cfg.RampTime
	ec.CrossfadeDuration = cfg.CrossfadeDuration
	ec.CrossfadeEnabled = cfg.CrossfadeEnabled
	ec.PlayTimeout = cfg.PlayTimeout
	return ec
}

// newApp builds and starts everything except the surface, which the caller
// attaches with attachSurface. Background goroutines stop with ctx.
func newApp(ctx context.Context, cfg *config.Config, facts platform.Facts) (*app, error) {
	a := &app{cfg: cfg}

	tracks, closeRepo, err := loadTracks(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	a.closers = append(a.closers, closeRepo)
	logger.Info("catalog loaded", logger.Int("tracks", len(tracks)), logger.String("source", cfg.CatalogSource))

	opts := []audio.Option{
		audio.WithConfig(engineConfig(cfg)),
		audio.WithLogger(logger.Named("engine")),
	}
	if cfg.MinioEnabled() {
		store, err := storage.NewStore(cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, audio.WithResolver(store))
	}
	a.engine = audio.New(tracks, newBackend(cfg), opts...)
	a.closers = append(a.closers, func() { a.engine.Close() })
	a.engine.SetErrorHandler(func(e *audio.AudioError) {
		logger.Warn("audio error", logger.String("type", string(e.Type)), logger.String("message", e.Message))
	})

	a.restoreSession(ctx)

	rcfg := resilience.DefaultConfig()
	rcfg.SettleDelay = cfg.SettleDelay
	a.monitor = resilience.New(a.engine, facts,
		resilience.WithConfig(rcfg),
		resilience.WithLogger(logger.Named("resilience")),
	)
	a.engine.AddObserver(a.monitor)
	go a.monitor.Run(ctx)

	watcher := platform.NewDeviceWatcher(cfg.DeviceWatchDir, deviceDebounce, nil, logger.Named("devices"), func() {
		a.monitor.Post(resilience.Event{Kind: resilience.EventDeviceChange})
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("device watcher disabled", logger.ErrorField(err))
		}
	}()
	return a, nil
}

// restoreSession applies the saved session and keeps it up to date. Redis
// being unavailable only disables persistence.
func (a *app) restoreSession(ctx context.Context) {
	if err := cache.ConnectRedis(a.cfg); err != nil {
		logger.Warn("session persistence disabled", logger.ErrorField(err))
		return
	}
	a.closers = append(a.closers, func() { cache.CloseRedis() })

	sc := cache.NewSessionCache(cache.RedisClient, a.cfg.SessionID, a.cfg.SessionTTL)
	loadCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	saved, err := sc.Load(loadCtx)
	cancel()
	switch {
	case err == nil:
		a.engine.RestoreSession(saved)
		logger.Info("session restored", logger.Int("track", saved.TrackIndex), logger.Float64("volume", saved.Volume))
	case errors.Is(err, cache.ErrNoSession):
	default:
		logger.Warn("failed to restore session", logger.ErrorField(err))
	}

	p := cache.NewPersister(sc, func(err error) { logger.Warn("failed to save session", logger.ErrorField(err)) })
	unsubscribe := a.engine.Subscribe(p.Observe)
	a.closers = append(a.closers, func() {
		unsubscribe()
		p.Close()
	})
}

// attachSurface mirrors the engine to s.
func (a *app) attachSurface(s mediasession.Surface) {
	a.bridge = mediasession.New(a.engine, s, mediasession.WithLogger(logger.Named("mediasession")))
	a.bridge.Start()
	a.closers = append(a.closers, a.bridge.Close)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// hostFacts detects the platform, optionally as reported by a front end UA.
func hostFacts(userAgent string) platform.Facts {
	env := platform.HostEnv()
	if userAgent != "" {
		env = platform.Env{UserAgent: userAgent}
	}
	return platform.Detect(env)
}
