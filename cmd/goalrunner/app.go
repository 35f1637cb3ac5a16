package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/config"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/metrics"
	"github.com/aristath/goalrunner/internal/orchestrator"
	"github.com/aristath/goalrunner/internal/persistence"
	"github.com/aristath/goalrunner/internal/runlock"
	"github.com/aristath/goalrunner/internal/worker"
)

// app is the wired process: store, pool, controller and the optional event
// forwarding and metrics endpoints.
type app struct {
	cfg  *config.OrchestratorConfig
	log  *zap.Logger
	pm   *backend.ProcessManager
	bus  *events.EventBus
	pool *worker.Pool
	ctrl *orchestrator.Controller

	store    persistence.RecordStore
	recorder *metrics.Recorder
	breakers *worker.BreakerRegistry
	groups   map[string][]string // worker group -> worker IDs, oldest first

	cancel    context.CancelFunc
	closers   []func()
	closeOnce sync.Once
}

// newApp wires every component from cfg. ctx bounds the background
// forwarders. It does not touch run records: commands that go on to execute
// or delete runs call recoverOrphans first.
func newApp(ctx context.Context, cfg *config.OrchestratorConfig, log *zap.Logger) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:    cfg,
		log:    log,
		pm:     backend.NewProcessManager(),
		bus:    events.NewEventBus(),
		cancel: cancel,
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	})

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.recorder, err = metrics.NewRecorder(reg, metrics.Options{}); err != nil {
		return nil, err
	}

	if a.pool, err = a.buildPool(); err != nil {
		return nil, err
	}
	if err := metrics.RegisterPool(reg, a.pool, metrics.Options{}); err != nil {
		return nil, err
	}
	go a.recorder.Watch(ctx, a.bus.Subscribe(events.TopicRun, 64))

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg); err != nil {
				log.Warn("metrics endpoint stopped", zap.String("listen", cfg.Metrics.Listen), zap.Error(err))
			}
		}()
	}

	if cfg.Events.NATSURL != "" {
		conn, err := events.ConnectNATS(cfg.Events.NATSURL, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := conn.Drain(); err != nil {
				log.Warn("failed to drain nats connection", zap.Error(err))
			}
		})
		fwd := events.NewForwarder(conn, cfg.Events.SubjectPrefix, log)
		go fwd.Run(ctx, a.bus.SubscribeAll(1024))
	}

	chat, err := a.buildChat()
	if err != nil {
		return nil, err
	}

	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		Pool:         a.pool,
		Bus:          a.bus,
		Logger:       log,
		PollInterval: cfg.Scheduler.PollInterval.Std(),
	})
	a.ctrl = orchestrator.NewController(orchestrator.ControllerConfig{
		Store:           store,
		Runner:          runner,
		Pool:            a.pool,
		Registry:        orchestrator.NewRegistry(),
		Locks:           runlock.New(cfg.Locks.HoldTimeout.Std(), log),
		Bus:             a.bus,
		Chat:            chat,
		ChatHoldTimeout: cfg.Locks.ChatHoldTimeout.Std(),
		Tooling: backend.Tooling{
			Sandbox:          cfg.Tooling.Sandbox,
			ApprovalRequired: cfg.Tooling.ApprovalRequired,
			WriteRoots:       cfg.Tooling.WriteRoots,
		},
		TaskTimeout:  cfg.Scheduler.TaskTimeout.Std(),
		ContextLimit: cfg.Scheduler.ContextLimit,
		Logger:       log,
	})

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.RecordStore, error) {
	switch cfg.Driver {
	case "redis":
		return persistence.NewRedisStore(ctx, persistence.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case "sqlite", "":
		return persistence.NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildPool creates the configured workers in group order. Workers start
// unprobed; StartPool brings them up.
func (a *app) buildPool() (*worker.Pool, error) {
	a.breakers = worker.NewBreakerRegistry(worker.BreakerSettings{
		ConsecutiveFailures: a.cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         a.cfg.Breaker.OpenTimeout.Std(),
	}, a.log)
	a.groups = make(map[string][]string)

	var workers []*worker.Instance
	for _, group := range a.cfg.Workers {
		for i := 1; i <= group.Count; i++ {
			w, err := a.newWorker(group, i)
			if err != nil {
				return nil, err
			}
			workers = append(workers, w)
			a.groups[group.Name] = append(a.groups[group.Name], w.ID())
		}
	}
	return worker.NewPool(a.log, workers...), nil
}

func (a *app) newWorker(group config.WorkerGroupConfig, i int) (*worker.Instance, error) {
	prov := a.cfg.Providers[group.Provider]
	model := group.Model
	if model == "" {
		model = prov.Model
	}
	adapter, err := backend.New(backend.Config{
		Type:         prov.Type,
		Command:      prov.Command,
		Args:         prov.Args,
		Model:        model,
		SystemPrompt: group.SystemPrompt,
	}, a.pm)
	if err != nil {
		return nil, fmt.Errorf("worker group %s: %w", group.Name, err)
	}
	return worker.NewInstance(
		fmt.Sprintf("%s-%d", group.Name, i),
		adapter,
		worker.WithBreaker(a.breakers.Get(adapter.Family())),
		worker.WithEventBus(a.bus),
		worker.WithObserver(a.recorder),
		worker.WithLogger(a.log),
	), nil
}

// Scale sets the worker count of configured groups, creating workers when a
// group grows and disposing the newest ones when it shrinks. Call it before
// StartPool so new workers get probed.
func (a *app) Scale(counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want := counts[name]
		idx := slices.IndexFunc(a.cfg.Workers, func(g config.WorkerGroupConfig) bool { return g.Name == name })
		if idx < 0 {
			return fmt.Errorf("unknown worker group %q", name)
		}
		if want < 0 {
			return fmt.Errorf("worker group %s: count must not be negative", name)
		}
		group := a.cfg.Workers[idx]

		ids := a.groups[name]
		for i := len(ids) + 1; i <= want; i++ {
			w, err := a.newWorker(group, i)
			if err != nil {
				return err
			}
			if err := a.pool.Add(w); err != nil {
				return err
			}
			ids = append(ids, w.ID())
		}
		for len(ids) > want {
			last := ids[len(ids)-1]
			if err := a.pool.Remove(last); err != nil {
				return err
			}
			ids = ids[:len(ids)-1]
		}
		a.groups[name] = ids
	}

	byFamily := a.pool.FamilyCounts()
	fields := []zap.Field{zap.Int("workers", a.pool.Size())}
	for _, f := range sortedFamilies(byFamily) {
		fields = append(fields, zap.Int(string(f), byFamily[f]))
	}
	a.log.Info("worker pool resized", fields...)
	return nil
}

// familyStates summarizes the pool per backend family with its breaker state.
func (a *app) familyStates() []familyState {
	counts := a.pool.FamilyCounts()
	var out []familyState
	for _, f := range sortedFamilies(counts) {
		out = append(out, familyState{Family: f, Workers: counts[f], Breaker: a.breakers.State(f).String()})
	}
	return out
}

func sortedFamilies(counts map[backend.Family]int) []backend.Family {
	families := make([]backend.Family, 0, len(counts))
	for f := range counts {
		families = append(families, f)
	}
	slices.Sort(families)
	return families
}

func (a *app) buildChat() (backend.Conversational, error) {
	if a.cfg.Chat == "" {
		return nil, nil
	}
	prov := a.cfg.Providers[a.cfg.Chat]
	adapter, err := backend.NewClaudeAdapter(backend.Config{
		Type:    prov.Type,
		Command: prov.Command,
		Args:    prov.Args,
		Model:   prov.Model,
	}, a.pm)
	if err != nil {
		return nil, fmt.Errorf("chat provider %s: %w", a.cfg.Chat, err)
	}
	return adapter, nil
}

// recoverOrphans marks runs whose owning process is gone as interrupted.
func (a *app) recoverOrphans(ctx context.Context) ([]*orchestrator.Run, error) {
	orphans, err := a.ctrl.RecoverOrphans(ctx)
	if err != nil {
		return nil, err
	}
	for _, run := range orphans {
		a.log.Warn("run left running by an earlier process is now interrupted", zap.String("run_id", run.ID))
	}
	return orphans, nil
}

// StartPool probes every worker. It fails only when no worker came up.
func (a *app) StartPool(ctx context.Context) error {
	available, err := a.pool.Initialize(ctx)
	if available == 0 {
		if err == nil {
			err = errors.New("no workers configured")
		}
		return fmt.Errorf("no backend available: %w", err)
	}
	if err != nil {
		a.log.Warn("some workers are unavailable", zap.Int("available", available), zap.Int("total", a.pool.Size()))
	}
	return nil
}

// Close stops live runs (they become interrupted), kills any backend process
// still tracked and releases every resource.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.ctrl != nil {
			a.ctrl.Close()
		}
		if err := a.pm.KillAll(); err != nil {
			a.log.Warn("failed to kill backend processes", zap.Error(err))
		}
		if a.pool != nil {
			a.pool.Shutdown()
		}
		a.cancel()
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		a.bus.Close()
	})
}
