package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"nre/internal/config"
	"nre/pkg/cache"
	"nre/pkg/dbmanager"
	"nre/pkg/engine"
	"nre/pkg/logger"
	"nre/pkg/rulebase"
	"nre/pkg/shm"
	"nre/pkg/worker"
)

// Runtime is everything a command needs besides its own arguments. Open
// fills the parts the configuration asks for; the rest stay nil.
type Runtime struct {
	Cfg config.Config
	Log *slog.Logger

	DB    *dbmanager.DBManager
	Queue *worker.DBQueue

	Seg  *shm.Segment
	Lock *shm.FileLock
	Pub  *cache.Publisher
	Sub  *cache.Subscriber
}

// Open connects the database and maps the rule cache. withDB is false for
// commands that never touch a database.
func Open(ctx context.Context, cfg config.Config, withDB bool) (*Runtime, error) {
	rt := &Runtime{Cfg: cfg, Log: logger.Log}
	if withDB {
		if err := rt.openDB(ctx, os.Environ()); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if cfg.CacheEnabled() {
		if err := rt.openCache(); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) openDB(ctx context.Context, environ []string) error {
	rt.DB = dbmanager.NewDBManager()
	if rt.Cfg.DBDriver == "" || rt.Cfg.DBDSN == "" {
		return nil
	}
	if err := rt.DB.AddConnection(ctx, "default", rt.Cfg.DBDriver, rt.Cfg.DBDSN, 25, 5); err != nil {
		return fmt.Errorf("connect default database (%s): %w", rt.Cfg.DBDriver, err)
	}
	rt.Log.Info("database connected", "name", "default", "driver", rt.Cfg.DBDriver)

	for name, c := range extraDatabases(environ) {
		if err := rt.DB.AddConnection(ctx, name, c.driver, c.dsn, 10, 2); err != nil {
			rt.Log.Warn("failed to connect to database", "db", name, "error", err)
			continue
		}
		rt.Log.Info("additional database connected", "db", name, "driver", c.driver)
	}

	rt.Queue = worker.NewDBQueue(rt.DB, "default")
	if err := rt.Queue.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("job queue schema: %w", err)
	}
	return nil
}

type dbSpec struct{ driver, dsn string }

// extraDatabases picks up NRE_DB_<NAME>_DRIVER and NRE_DB_<NAME>_DSN pairs.
// Connections without a DSN are ignored; the driver defaults to sqlite.
func extraDatabases(environ []string) map[string]dbSpec {
	specs := map[string]dbSpec{}
	for _, kv := range environ {
		key, val, _ := strings.Cut(kv, "=")
		rest, ok := strings.CutPrefix(key, "NRE_DB_")
		if !ok || rest == "DRIVER" || rest == "DSN" {
			continue
		}
		var name string
		spec := dbSpec{}
		switch {
		case strings.HasSuffix(rest, "_DRIVER"):
			name = strings.ToLower(strings.TrimSuffix(rest, "_DRIVER"))
			spec = specs[name]
			spec.driver = val
		case strings.HasSuffix(rest, "_DSN"):
			name = strings.ToLower(strings.TrimSuffix(rest, "_DSN"))
			spec = specs[name]
			spec.dsn = val
		default:
			continue
		}
		if name != "" {
			specs[name] = spec
		}
	}
	for name, s := range specs {
		if s.dsn == "" {
			delete(specs, name)
			continue
		}
		if s.driver == "" {
			s.driver = "sqlite"
			specs[name] = s
		}
	}
	return specs
}

func (rt *Runtime) openCache() error {
	seg, err := shm.Open(rt.Cfg.ShmDir, rt.Cfg.ShmName, rt.Cfg.ShmSize)
	if err != nil {
		return err
	}
	lock, err := shm.NewFileLock(shm.Path(rt.Cfg.ShmDir, rt.Cfg.ShmName+".lock"))
	if err != nil {
		seg.Close()
		return err
	}
	rt.Seg, rt.Lock = seg, lock
	rt.Pub = cache.NewPublisher(seg, lock, rt.Log)
	rt.Sub = cache.NewSubscriber(seg, lock, rt.Log)
	return nil
}

// EngineOptions are the process-local collaborators of every context this
// runtime loads.
func (rt *Runtime) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(rt.Log),
		engine.WithMaxDepth(rt.Cfg.MaxDepth),
		engine.WithRegionLimit(rt.Cfg.RegionLimit),
	}
	if rt.DB != nil {
		opts = append(opts, engine.WithDB(rt.DB))
	}
	if rt.Queue != nil {
		opts = append(opts, engine.WithQueue(worker.NewDelayer(rt.Queue)))
	}
	return opts
}

// LoadOptions describe how to load the configured rule base.
func (rt *Runtime) LoadOptions(ruleBase string) rulebase.Options {
	if ruleBase == "" {
		ruleBase = rt.Cfg.RuleBase
	}
	return rulebase.Options{
		RuleBase:   ruleBase,
		Dir:        rt.Cfg.RuleDir,
		Threshold:  rt.Cfg.CondIndexThreshold,
		Publisher:  rt.Pub,
		Subscriber: rt.Sub,
		Engine:     rt.EngineOptions(),
		Logger:     rt.Log,
	}
}

// CatalogPrefix marks a rule base stored in the database instead of files.
const CatalogPrefix = "db:"

// Load returns a context for ruleBase, or the configured rule base when it
// is empty. Names with CatalogPrefix are read from the default database.
func (rt *Runtime) Load(ctx context.Context, ruleBase string) (*engine.RuleEngineContext, error) {
	o := rt.LoadOptions(ruleBase)
	base, ok := strings.CutPrefix(o.RuleBase, CatalogPrefix)
	if !ok {
		return rulebase.LoadFromCacheOrFile(ctx, o)
	}
	if rt.DB == nil {
		return nil, fmt.Errorf("rule base %s needs a database", o.RuleBase)
	}
	db, d := rt.DB.GetDefault()
	if db == nil {
		return nil, fmt.Errorf("rule base %s: no default database", o.RuleBase)
	}
	loaded, err := rulebase.LoadFromCatalog(ctx, db, d, base, o.Threshold)
	if err != nil {
		return nil, err
	}
	loaded.RuleBase = o.RuleBase
	return loaded.Context(o.Engine...), nil
}

// Holder returns a holder that reloads the configured rule base, loaded
// once already.
func (rt *Runtime) Holder(ctx context.Context) (*rulebase.Holder, error) {
	h := rulebase.NewHolder(func(ctx context.Context) (*engine.RuleEngineContext, error) {
		return rt.Load(ctx, "")
	}, rt.Log)
	if _, err := h.Reload(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (rt *Runtime) Close() error {
	var errs []error
	if rt.Queue != nil {
		errs = append(errs, rt.Queue.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	if rt.Lock != nil {
		errs = append(errs, rt.Lock.Close())
	}
	if rt.Seg != nil {
		errs = append(errs, rt.Seg.Close())
	}
	return errors.Join(errs...)
}

// setup loads the configuration and configures the global logger. Command
// handlers exit on failure.
func setup() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config Error: %v\n", err)
		os.Exit(1)
	}
	logger.SetupTo(os.Stderr, cfg.Env, logger.ParseLevel(cfg.LogLevel))
	return cfg
}

func openOrExit(ctx context.Context, cfg config.Config, withDB bool) *Runtime {
	rt, err := Open(ctx, cfg, withDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Startup Error: %v\n", err)
		os.Exit(1)
	}
	return rt
}
