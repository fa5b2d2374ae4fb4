// Package app wires warden's services together: config, logging, storage,
// the timer scheduler, the features built on it, and maintenance.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/features/moderation"
	"warden/internal/features/reminders"
	"warden/internal/services/maintenance"
	"warden/internal/storage"
	"warden/internal/timers"
	logx "warden/pkg/logx"
)

// Transport bundles the chat-platform surfaces the features depend on.
// warden treats the platform as an external system; the default transport
// only logs deliveries, which is useful for dry runs and tests.
type Transport struct {
	Notifier reminders.Notifier
	Platform moderation.Platform
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	reg    *timers.Registry
	timers *timers.Service

	Reminders  *reminders.Service
	Moderation *moderation.Service

	maint *maintenance.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string, transport Transport) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	tc, err := mapTimersConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	reg := timers.NewRegistry()
	timerSvc := timers.New(tc, db, reg, log.With(logx.String("comp", "timers")), bus)

	if transport.Notifier == nil || transport.Platform == nil {
		lt := &logTransport{log: log.With(logx.String("comp", "transport"))}
		if transport.Notifier == nil {
			transport.Notifier = lt
		}
		if transport.Platform == nil {
			transport.Platform = lt
		}
	}

	remSvc := reminders.New(db, timerSvc, transport.Notifier, log.With(logx.String("comp", "reminders")))
	modSvc := moderation.New(db, timerSvc, transport.Platform, log.With(logx.String("comp", "moderation")))
	if err := remSvc.Register(reg); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := modSvc.Register(reg); err != nil {
		_ = db.Close()
		return nil, err
	}

	var maint *maintenance.Service
	if mc, enabled, err := mapMaintenanceConfig(cfg); err != nil {
		_ = db.Close()
		return nil, err
	} else if enabled {
		maint = maintenance.New(mc, db, log.With(logx.String("comp", "maintenance")))
	}

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		db:         db,
		reg:        reg,
		timers:     timerSvc,
		Reminders:  remSvc,
		Moderation: modSvc,
		maint:      maint,
	}, nil
}

// DB exposes the storage layer for command surfaces built on top of the app.
func (a *App) DB() *storage.DB { return a.db }

// Config returns the currently committed configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Timers exposes the scheduler for command surfaces built on top of the app.
func (a *App) Timers() *timers.Service { return a.timers }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.timers.Start(runCtx)
	if a.maint != nil {
		if err := a.maint.Start(runCtx); err != nil {
			return err
		}
	}

	// Fired and dead-lettered timers are already logged by the scheduler;
	// this keeps a trace-level feed of everything else on the bus.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("warden started",
		logx.String("config", a.cfgPath),
		logx.Any("timer_kinds", a.reg.Kinds()),
		logx.Bool("maintenance", a.maint != nil),
	)
	return nil
}

// reloadLoop applies committed config updates to the running services.
// Database changes need a restart; everything else applies live.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "database":
					a.log.Warn("database config changed; restart required for changes to take effect")
				case "maintenance":
					a.log.Warn("maintenance config changed; restart required for changes to take effect")
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "timers":
					tc, err := mapTimersConfig(newCfg)
					if err != nil {
						// Watch already validated; this is belt and braces.
						a.log.Warn("invalid timers config; keeping previous", logx.Err(err))
						continue
					}
					a.timers.Apply(tc)
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	a.cancel()
	a.cancel = nil

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", fmt.Sprint(r)))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.maint != nil {
		step("maintenance", 2*time.Second, func(c context.Context) { a.maint.Stop(c) })
	}
	step("timers", 5*time.Second, func(c context.Context) { a.timers.Stop(c) })

	waited := make(chan struct{})
	go func() { a.wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-ctx.Done():
		a.log.Warn("background loops still running at stop deadline")
	}

	step("storage", 2*time.Second, func(context.Context) {
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
