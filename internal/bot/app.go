package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/scheduler"
	"herald/internal/storage"
	"herald/internal/transport"
	"herald/internal/transport/telegram"
	"herald/pkg/logx"
)

// App owns the process wiring: config, logging, the chat adapter, the
// store, and the scheduler. Construction fails fast on anything the process
// cannot run without; Start brings the pieces up in dependency order.
type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	adapter *telegram.Adapter
	store   storage.Store
	disp    *delivery.Dispatcher
	sched   *scheduler.Service
	cmds    *Commands

	updates chan transport.Update

	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeoutOrDefault(),
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("creating telegram adapter: %w", err)
	}

	logs, log := logx.New(cfg.LogxConfig(), adapter)
	if cfg.Telegram.LogChatID != 0 {
		logs.SetChatTarget(cfg.Telegram.LogChatID)
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(cfg.StorageConfigTyped(), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	disp := delivery.New(delivery.Config{RatePerSec: cfg.Delivery.RatePerSec},
		adapter, log.With(logx.String("comp", "delivery")))
	sched := scheduler.New(cfg.SchedulerConfigTyped(), store, disp,
		log.With(logx.String("comp", "scheduler")))
	cmds := NewCommands(adapter, store, sched, disp,
		cfg.Telegram.OwnerUserIDs, cfg.MaxActivePerScope(), log.With(logx.String("comp", "commands")))

	return &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		adapter: adapter,
		store:   store,
		disp:    disp,
		sched:   sched,
		cmds:    cmds,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		a.runCancel = nil
		return fmt.Errorf("starting adapter: %w", err)
	}

	a.sched.Start(runCtx)

	// Timers live only in memory; every start rebuilds them from the store.
	if err := a.sched.Reconcile(runCtx); err != nil {
		a.log.Error("startup reconciliation failed", logx.Err(err))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(runCtx)
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
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if err := a.adapter.SetCommands(runCtx, Menu()); err != nil {
		a.log.Warn("publishing command menu failed", logx.Err(err))
	}

	a.log.Info("started")
	return nil
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			if up.Message == nil {
				continue
			}
			a.cmds.Handle(ctx, up.Message)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.applyConfig(cfg)
		}
	}
}

// applyConfig pushes a reloaded config into the live components. Token and
// storage path changes need a restart and are deliberately not applied.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(cfg.LogxConfig())
	a.logs.SetChatTarget(cfg.Telegram.LogChatID)

	a.cmds.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.cmds.SetMaxActive(cfg.MaxActivePerScope())
	a.disp.Apply(delivery.Config{RatePerSec: cfg.Delivery.RatePerSec})
	a.sched.Apply(cfg.SchedulerConfigTyped())

	a.log.Info("config applied",
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.Int("max_active", cfg.MaxActivePerScope()),
		logx.Int("rate_per_sec", cfg.Delivery.RatePerSec))
}

func (a *App) Stop(ctx context.Context) {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	a.log.Info("stopping")
	cancel()

	// Bound each stop step so one stuck component cannot stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("goroutines", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
}
