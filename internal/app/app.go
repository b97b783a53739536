package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sender/internal/browser"
	"sender/internal/config"
	"sender/internal/dispatch"
	"sender/internal/eventbus"
	"sender/internal/httpapi"
	"sender/internal/jobs"
	"sender/internal/metrics"
	"sender/internal/notifier"
	"sender/internal/platform"
	"sender/internal/queue"
	"sender/internal/runtime/supervisor"
	"sender/internal/session"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

// Mode selects which outer surfaces Start brings up.
type Mode int

const (
	// ModeServe runs everything the config enables: HTTP, AMQP, the session
	// prober and the config watcher.
	ModeServe Mode = iota
	// ModeOnce runs only the engine, for a single foreground job.
	ModeOnce
)

type App struct {
	mode Mode

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	// jobSup hosts broadcasts. A failing job never takes the app down.
	jobSup *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector

	registry *platform.Registry
	sessions *session.Manager
	pmu      sync.Mutex
	prober   *session.Prober
	pipeline *dispatch.Pipeline
	ctl      *jobs.Controller
	notif    *notifier.Service
	http     *httpapi.Server
	consumer *queue.Consumer
}

type Option func(*options)

type options struct {
	launcher browser.Launcher
	sender   notifier.Sender
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l browser.Launcher) Option { return func(o *options) { o.launcher = l } }

// WithNotifierSender replaces the Telegram sender when the notifier is enabled.
func WithNotifierSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

func New(cfgPath string, mode Mode, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.launcher == nil {
		o.launcher = browser.ChromeLauncher{}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	met := metrics.NewCollector()

	adapters, err := cfg.Adapters()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	reg := platform.NewRegistry(adapters...)

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions := session.NewManager(sessCfg, o.launcher, reg,
		session.WithLogger(log.With(logx.String("comp", "sessions"))),
		session.WithMetrics(met),
	)
	prober := session.NewProber(sessions, cfg.Sessions.ProbeSchedule, cfg.ProbeTimeout(), log)
	if err := prober.Validate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sessions.probe_schedule: %w", err)
	}

	pipeline := dispatch.New(
		dispatch.WithLogger(log),
		dispatch.WithMetrics(met),
		dispatch.WithBus(bus),
		dispatch.WithRateLimit(cfg.Dispatch.RatePerMinute),
	)

	a := &App{
		mode:     mode,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  met,
		registry: reg,
		sessions: sessions,
		prober:   prober,
		pipeline: pipeline,
	}

	if cfg.Notifier.Enabled {
		sender := o.sender
		if sender == nil {
			tg, err := notifier.NewTelegram(cfg.Notifier.Token, cfg.Notifier.ChatID, cfg.Notifier.ThreadID)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("notifier: %w", err)
			}
			sender = tg
		}
		a.notif = notifier.New(sender, mapNotifierConfig(cfg), notifier.WithLogger(log), notifier.WithBus(bus))
		logSvc.SetAlertSink(a.notif)
	}

	if mode == ModeServe && cfg.HTTP.Enabled {
		if _, err := mapServerConfig(cfg); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Controller() *jobs.Controller { return a.ctl }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// HTTPReady yields the bound address of the ops server, or nil when it is off.
func (a *App) HTTPReady() <-chan string {
	if a.http == nil {
		return nil
	}
	return a.http.Ready()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.jobSup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log.With(logx.String("comp", "jobs"))))

	a.ctl = jobs.NewController(a.store, a.sessions, a.registry, a.pipeline,
		jobs.WithLogger(a.log),
		jobs.WithMetrics(a.metrics),
		jobs.WithBus(a.bus),
		jobs.WithSupervisor(a.jobSup),
	)

	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.mode == ModeOnce {
		a.log.Info("app started", logx.String("mode", "once"))
		return nil
	}

	a.pmu.Lock()
	err := a.prober.Start(a.sup.Context())
	a.pmu.Unlock()
	if err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		scfg, err := mapServerConfig(cfg)
		if err != nil {
			return err
		}
		router := httpapi.NewRouter(httpapi.Deps{
			Jobs:     a.ctl,
			Store:    a.store,
			Sessions: a.sessions,
			Metrics:  a.metrics.Handler(),
			Log:      a.log.With(logx.String("comp", "http")),
			Token:    cfg.HTTP.Token,
			Pprof:    cfg.HTTP.Pprof,
		})
		a.http = httpapi.NewServer(scfg, router, a.log)
		a.sup.GoRestart("http.serve", a.http.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(10),
		)
	}

	if cfg.AMQP.Enabled {
		a.consumer = queue.NewConsumer(mapQueueConfig(cfg), a.ctl, a.log)
		// The broker may come and go; keep retrying.
		a.sup.GoRestart("amqp.consume", a.consumer.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if _, err := next.Adapters(); err != nil {
			return err
		}
		if _, err := next.SessionConfig(); err != nil {
			return err
		}
		return session.NewProber(a.sessions, next.Sessions.ProbeSchedule, next.ProbeTimeout(), a.log).Validate()
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("mode", "serve"), logx.Any("platforms", a.registry.Platforms()))
	return nil
}

// applyConfig hot-applies logging, platform timing, the dispatch rate and the
// probe schedule. Everything else waits for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(next.LogConfig())

	if adapters, err := next.Adapters(); err != nil {
		a.log.Warn("invalid platform config; keeping previous", logx.Err(err))
	} else {
		for _, ad := range adapters {
			a.registry.Register(ad)
		}
	}

	a.pipeline.SetRateLimit(next.Dispatch.RatePerMinute)

	if prev.Sessions.ProbeSchedule != next.Sessions.ProbeSchedule || prev.Sessions.ProbeTimeout != next.Sessions.ProbeTimeout {
		a.pmu.Lock()
		a.prober.Stop()
		a.prober = session.NewProber(a.sessions, next.Sessions.ProbeSchedule, next.ProbeTimeout(), a.log)
		if err := a.prober.Start(ctx); err != nil {
			a.log.Warn("session prober restart failed", logx.Err(err))
		}
		a.pmu.Unlock()
	}
	if prev.Sessions.LockPolicy != next.Sessions.LockPolicy || prev.Sessions.ProfileRoot != next.Sessions.ProfileRoot ||
		prev.Sessions.LaunchTimeout != next.Sessions.LaunchTimeout {
		sections = append(sections, "sessions")
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Jobs first: they need the store and their sessions to record "paused".
	step("jobs", 15*time.Second, func(c context.Context) error {
		err := a.ctl.Shutdown(c)
		a.jobSup.Cancel()
		if werr := a.jobSup.Wait(c); err == nil {
			err = werr
		}
		return err
	})
	a.sup.Cancel()
	step("prober", 2*time.Second, func(context.Context) error {
		a.pmu.Lock()
		defer a.pmu.Unlock()
		a.prober.Stop()
		return nil
	})
	step("sessions", 10*time.Second, func(context.Context) error { return a.sessions.ReleaseAll() })
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
