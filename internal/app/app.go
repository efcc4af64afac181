// Package app wires the stockledger components together.
package app

import (
	"context"
	"io"
	"os"
	stdsync "sync"

	"github.com/kimhsiao/stockledger/internal/cache"
	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/config"
	"github.com/kimhsiao/stockledger/internal/connectivity"
	"github.com/kimhsiao/stockledger/internal/dashboard"
	"github.com/kimhsiao/stockledger/internal/db"
	"github.com/kimhsiao/stockledger/internal/entities"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/events"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/repository"
	syncpkg "github.com/kimhsiao/stockledger/internal/sync"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
	"github.com/kimhsiao/stockledger/internal/sync/scheduler"
)

// Options override collaborators, mostly for tests.
type Options struct {
	Clock  clock.Clock
	Remote remote.Store
	Logger *logging.Logger
}

// App holds every long-lived component of one stockledger process.
type App struct {
	Config     config.Config
	Clock      clock.Clock
	Store      *db.Store
	Remote     remote.Store
	Monitor    *connectivity.Monitor
	Prober     *connectivity.Prober
	Reconciler *syncpkg.Reconciler
	Cache      *cache.Cache[any]
	Repos      *entities.Repositories
	Dashboard  *dashboard.Service
	Scheduler  *scheduler.Scheduler
	Hub        *events.Hub

	collections map[string]Collection
	logger      *logging.Logger
	closeOnce   stdsync.Once
}

// NewLogger builds the root logger from cfg. The returned closer releases
// the log file, if any.
func NewLogger(cfg config.LoggerConfig) (*logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "logger level", err)
	}
	if cfg.File == "" {
		return logging.New(os.Stderr, level), io.NopCloser(nil), nil
	}
	w := logging.NewRotatingWriter(logging.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	return logging.New(w, level), w, nil
}

// New opens the local store and builds every component. Nothing runs in
// the background until Serve is called.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}

	rs := opts.Remote
	if rs == nil {
		var err error
		if rs, err = NewRemote(cfg.Remote); err != nil {
			return nil, err
		}
	}

	store, err := db.OpenStore(cfg.DataDir, opts.Clock)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Clock:  opts.Clock,
		Store:  store,
		Remote: rs,
		logger: opts.Logger.Named("app"),
	}

	a.Monitor = connectivity.NewMonitor(true, opts.Clock)
	a.Prober = connectivity.NewProber(a.Monitor, pingFunc(rs),
		cfg.Connectivity.ProbeInterval.Std(), cfg.Connectivity.ProbeTimeout.Std(), opts.Logger)

	a.Reconciler = syncpkg.NewReconciler(store, rs, a.Monitor, opts.Clock, opts.Logger, syncpkg.Options{
		IncrementalPull: cfg.Sync.IncrementalPull,
		PruneMissing:    cfg.Sync.PruneMissing,
		MaxConcurrency:  cfg.Sync.MaxConcurrency,
		ErrorHistory:    syncpkg.DefaultOptions().ErrorHistory,
	})

	a.Hub = events.NewHub(cfg.Server.AllowedOrigins, opts.Clock, opts.Logger)
	a.Reconciler.SetEventHandler(a.Hub)

	a.Cache = cache.New[any](cfg.Cache.TTL.Std(), opts.Clock)
	a.Repos, err = entities.Open(ctx, repository.Deps{
		Store:  store,
		Syncer: a.Reconciler,
		Cache:  a.Cache,
		Logger: opts.Logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.collections = map[string]Collection{
		entities.CollectionParts:        typed[entities.Part]{a.Repos.Parts},
		entities.CollectionSuppliers:    typed[entities.Supplier]{a.Repos.Suppliers},
		entities.CollectionInvoices:     typed[entities.Invoice]{a.Repos.Invoices},
		entities.CollectionTransactions: typed[entities.Transaction]{a.Repos.Transactions},
	}

	a.Dashboard = dashboard.New(a.Repos.Transactions, a.Cache, opts.Clock)

	a.Scheduler = scheduler.NewScheduler(a.Reconciler, a.Monitor, a.Reconciler.Outbox(), &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval.Std(),
		SyncTimeout:  cfg.Sync.Timeout.Std(),
		SyncOnStart:  cfg.Sync.OnStart,
	}, opts.Clock, opts.Logger)

	return a, nil
}

func pingFunc(rs remote.Store) connectivity.CheckFunc {
	if p, ok := rs.(remote.Pinger); ok {
		return p.Ping
	}
	return func(context.Context) error { return nil }
}

// NewRemote builds the remote store selected by cfg.Type.
func NewRemote(cfg config.RemoteConfig) (remote.Store, error) {
	switch cfg.Type {
	case config.RemoteMemory, "":
		return remote.NewMemory(), nil
	case config.RemoteHTTP:
		return remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL: cfg.URL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout.Std(),
		}), nil
	case config.RemoteS3:
		return remote.NewS3Store(remote.S3Config{
			Endpoint:       cfg.Endpoint,
			BucketName:     cfg.Bucket,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Region:         cfg.Region,
			ForcePathStyle: cfg.PathStyle,
			Prefix:         cfg.Prefix,
			Timeout:        cfg.Timeout.Std(),
		}), nil
	case config.RemoteAWS:
		return remote.NewAWSStore(remote.AWSConfig{
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Region:     cfg.Region,
			Prefix:     cfg.Prefix,
		}), nil
	case config.RemoteMinIO:
		s, err := remote.NewMinIOStore(remote.MinIOConfig{
			Endpoint:   cfg.Endpoint,
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			UseSSL:     cfg.UseSSL,
			Prefix:     cfg.Prefix,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "minio remote", err)
		}
		return s, nil
	case config.RemoteR2:
		s, err := remote.NewR2Store(remote.R2Config{
			AccountID:  cfg.AccountID,
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Prefix:     cfg.Prefix,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "r2 remote", err)
		}
		return s, nil
	}
	return nil, apperrors.New(apperrors.ErrConfigInvalid, "unknown remote type "+cfg.Type)
}

// Logger returns the root logger.
func (a *App) Logger() *logging.Logger {
	return a.logger
}

// Collection returns the record operations of a named collection.
func (a *App) Collection(name string) (Collection, error) {
	c, ok := a.collections[name]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, "unknown collection "+name)
	}
	return c, nil
}

// Probe checks the remote once and updates the connectivity monitor.
func (a *App) Probe(ctx context.Context) bool {
	return a.Prober.ProbeOnce(ctx)
}

// ApplyConfig applies the settings that can change without a restart:
// the cache TTL and the log level.
func (a *App) ApplyConfig(cfg config.Config) {
	a.Cache.SetTTL(cfg.Cache.TTL.Std())
	if level, err := logging.ParseLevel(cfg.Logger.Level); err == nil {
		a.logger.SetLevel(level)
	}
	a.logger.Info("configuration applied", map[string]interface{}{
		"cache_ttl": cfg.Cache.TTL.Std().String(),
		"log_level": cfg.Logger.Level,
	})
}

// Close waits for background facade work and releases resources.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		if a.Repos != nil {
			a.Repos.Wait()
		}
		if a.Hub != nil {
			a.Hub.Close()
		}
		err = a.Store.Close()
	})
	return err
}
