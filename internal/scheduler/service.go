package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/announce"
	"herald/pkg/logx"
)

type Service struct {
	cfg   Config
	log   logx.Logger
	store Store
	disp  Dispatcher
	clock Clock
	reg   *Registry

	mu        sync.Mutex
	queue     chan string
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// inflight holds ids that are queued or firing right now. A firing id
	// leaves the registry at claim time, so the registry alone cannot tell
	// the sweep that the occurrence is still being worked on.
	inflight map[string]struct{}

	parser cron.Parser
	cr     *cron.Cron
}

func New(cfg Config, store Store, disp Dispatcher, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		store: store,
		disp:  disp,
		clock: realClock{},
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reg = newRegistry(s.clock)
	return s
}

// Apply updates runtime-tunable settings. Worker count changes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.queue = make(chan string, 256)
	s.inflight = map[string]struct{}{}

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.cr = cron.New(cron.WithParser(s.parser))
	if _, err := s.cr.AddFunc(s.cfg.SweepSpec, func() { s.sweep(runCtx) }); err != nil {
		s.log.Error("sweep schedule invalid; sweep disabled",
			logx.String("spec", s.cfg.SweepSpec), logx.Err(err))
	}
	s.cr.Start()

	s.log.Info("scheduler started",
		logx.Int("workers", workers), logx.String("sweep", s.cfg.SweepSpec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	cr := s.cr
	s.stopCh = nil
	s.runCtx = nil
	s.runCancel = nil
	s.queue = nil
	s.cr = nil
	s.mu.Unlock()

	close(stopCh)
	if cr != nil {
		<-cr.Stop().Done()
	}

	// Drain the workers before cancelling the run context: a fire that has
	// already delivered must still be able to persist its outcome, or the
	// next reconciliation would deliver the occurrence again.
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline reached; cancelling in-flight work", logx.Err(ctx.Err()))
		if cancel != nil {
			cancel()
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.log.Warn("scheduler workers still finishing in background")
		}
	}
	if cancel != nil {
		cancel()
	}

	// Stop all timers; definitions live in the store and come back on the
	// next reconciliation.
	s.reg.Clear()
	s.log.Info("scheduler stopped")
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.fire(ctx, id)
			s.clearInflight(id)
		}
	}
}

// enqueue hands a due announcement id to the worker pool, marking it
// in-flight until the fire pipeline finishes. A dropped id is not lost for
// good: the record stays `scheduled` in the store and the periodic sweep
// re-arms it.
func (s *Service) enqueue(id string) {
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		s.log.Warn("scheduler not running; occurrence deferred to sweep", logx.String("id", id))
		return
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		s.log.Debug("occurrence already queued or firing", logx.String("id", id))
		return
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	select {
	case q <- id:
	default:
		s.clearInflight(id)
		s.log.Warn("fire queue full; occurrence deferred to sweep",
			logx.String("id", id), logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) clearInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Service) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// sweep arms any due record that has no live timer and no fire in flight
// (missed wake-ups, clock steps, dropped queue entries) and prunes expired
// audit rows.
func (s *Service) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	retention := s.config().AuditRetention

	recs, err := s.store.ListAnnouncementsByStatus(ctx, announce.StatusScheduled, "")
	if err != nil {
		s.log.Warn("sweep: listing scheduled announcements failed", logx.Err(err))
		return
	}
	now := s.clock.Now()
	rearmed := 0
	for _, rec := range recs {
		if rec.ScheduledAt.After(now) || s.reg.Armed(rec.ID) || s.inFlight(rec.ID) {
			continue
		}
		if err := s.Schedule(ctx, rec); err != nil {
			s.log.Warn("sweep: re-arming failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		rearmed++
	}
	if rearmed > 0 {
		s.log.Info("sweep re-armed due announcements", logx.Int("count", rearmed))
	}

	if retention > 0 {
		if n, err := s.store.PruneAudit(ctx, now.Add(-retention)); err != nil {
			s.log.Warn("sweep: audit prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("sweep pruned audit rows", logx.Int64("count", n))
		}
	}
}
