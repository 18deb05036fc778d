// Package app wires config, storage, the Telegram transport, the broadcast engine and the HTTP
// endpoint into one process, and runs their loops under a supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"tgcast/internal/broadcast"
	"tgcast/internal/config"
	"tgcast/internal/delivery"
	"tgcast/internal/httpapi"
	"tgcast/internal/janitor"
	"tgcast/internal/notifier"
	"tgcast/internal/recipients"
	"tgcast/internal/runtime/supervisor"
	"tgcast/internal/storage"
	"tgcast/internal/transport/telegram/adapter"
	"tgcast/internal/transport/telegram/botapi"
	"tgcast/internal/trigger"
	logx "tgcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	set  settings

	logs *logx.Service
	log  logx.Logger

	store storage.Store
	rdb   redis.UniversalClient

	deliver *delivery.Client
	disp    *broadcast.Dispatcher
	orch    *broadcast.Orchestrator

	consumer runner
	janitor  *janitor.Janitor
	server   *httpapi.Server
}

// runner is a trigger that also consumes its own queue.
type runner interface {
	Run(ctx context.Context) error
}

// New loads the config (path may be empty for environment-only deployments) and builds every
// component. Nothing is started until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	api := botapi.New(set.BotAPI)
	tg := adapter.New(adapter.Config{APIURL: set.BotAPI.APIURL, Client: api.HTTPClient()}, logx.Nop())

	var logSender logx.Sender
	if set.Logging.Telegram.Enabled {
		logSender = tg.Sender(set.LogBotToken)
	}
	logs, log := logx.New(set.Logging, logSender)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, set: set, logs: logs, log: log}
	if err := a.build(api, tg); err != nil {
		a.closeBackends()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(api *botapi.Client, tg *adapter.Adapter) error {
	set := a.set
	log := a.log

	if set.NeedsRedisCli {
		a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{set.Redis.Addr},
			Password: set.Redis.Password,
			DB:       set.Redis.DB,
		})
	}

	stCfg := set.Storage
	stCfg.Redis = a.rdb
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	a.deliver = delivery.New(api, set.Delivery, log.With(logx.String("comp", "delivery")))
	a.disp = broadcast.NewDispatcher(a.deliver, set.Dispatch, log.With(logx.String("comp", "dispatch")))
	resolver := recipients.New(set.Source, log.With(logx.String("comp", "recipients")))
	notify := notifier.New(notifier.Config{}, tg, log.With(logx.String("comp", "notifier")))
	a.orch = broadcast.NewOrchestrator(set.Orchestrator, store, resolver, a.disp, nil, notify, log.With(logx.String("comp", "broadcast")))

	tlog := log.With(logx.String("comp", "trigger"), logx.String("mode", set.Trigger.Mode))
	var trig broadcast.Trigger
	switch set.Trigger.Mode {
	case trigger.ModeHTTP:
		h, err := trigger.NewHTTP(set.PublicURL, set.Trigger.Timeout, nil, tlog)
		if err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
		trig = h
	case trigger.ModeLocal:
		l := trigger.NewLocal(a.processChunk, set.Trigger.Workers, set.Trigger.QueueSize, tlog)
		trig, a.consumer = l, l
	case trigger.ModeRedis:
		q := trigger.NewRedis(a.rdb, set.Trigger.QueueKey, a.processChunk, set.Trigger.Workers, tlog)
		trig, a.consumer = q, q
	}
	a.orch.SetTrigger(trig)

	if set.JanitorEnabled {
		a.janitor = janitor.New(set.Janitor, store, trig, log.With(logx.String("comp", "janitor")))
		a.janitor.SetFinalizer(a.orch)
	}

	router := httpapi.NewRouter(set.HTTP, a.orch, a.health, log.With(logx.String("comp", "http")))
	a.server = httpapi.NewServer(set.HTTP, router, log.With(logx.String("comp", "http")))
	return nil
}

// processChunk is what in-process consumers run for each queued chunk.
func (a *App) processChunk(ctx context.Context, jobID string, index int) error {
	if a.set.HTTP.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.set.HTTP.ProcessTimeout)
		defer cancel()
	}
	_, err := a.orch.Process(ctx, jobID, index)
	return err
}

type healthReport struct {
	Goroutines int                 `json:"goroutines"`
	Supervisor supervisor.Counters `json:"supervisor"`
	Storage    string              `json:"storage"`
	Trigger    string              `json:"trigger"`
}

func (a *App) health() any {
	return healthReport{
		Goroutines: runtime.NumGoroutine(),
		Supervisor: a.sup.Counters(),
		Storage:    a.set.Storage.Driver,
		Trigger:    a.set.Trigger.Mode,
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Addr is the bound HTTP address once Start returned.
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app's run context ends, either through Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error reported by a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	a.sup.GoRestart("http.serve", a.server.Run,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	if a.consumer != nil {
		a.sup.GoRestart("trigger."+a.set.Trigger.Mode, a.consumer.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	if a.janitor != nil {
		a.sup.Go("janitor", a.janitor.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("started",
		logx.String("addr", a.set.HTTP.Addr),
		logx.String("trigger", a.set.Trigger.Mode),
		logx.String("storage", a.set.Storage.Driver),
		logx.Bool("janitor", a.janitor != nil),
	)
	return nil
}

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
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
			}
			a.apply(newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the hot-reloadable sections into running components.
func (a *App) apply(cfg *config.Config) {
	set, err := mapConfig(cfg)
	if err != nil {
		// the validator rejects these before publish
		a.log.Warn("config apply skipped", logx.Err(err))
		return
	}
	logCfg := set.Logging
	if set.LogBotToken != a.set.LogBotToken && a.set.Logging.Telegram.Enabled {
		a.log.Warn("logging.telegram.bot_token change needs a restart")
	}
	if logCfg.Telegram.Enabled && !a.set.Logging.Telegram.Enabled {
		logCfg.Telegram.Enabled = false
		a.log.Warn("enabling logging.telegram needs a restart")
	}
	a.logs.Apply(logCfg)
	a.deliver.Apply(set.Delivery)
	a.disp.Apply(set.Dispatch)
	a.orch.Apply(set.Orchestrator)

	// keep the startup-only sections as they were
	set.HTTP, set.PublicURL = a.set.HTTP, a.set.PublicURL
	set.Trigger, set.Storage, set.Redis, set.NeedsRedisCli = a.set.Trigger, a.set.Storage, a.set.Redis, a.set.NeedsRedisCli
	set.JanitorEnabled, set.Janitor = a.set.JanitorEnabled, a.set.Janitor
	set.LogBotToken = a.set.LogBotToken
	set.Logging.Telegram.Enabled = logCfg.Telegram.Enabled
	a.set = set
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// never extend the caller's deadline
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Cancelling the supervisor shuts the HTTP server down and ends every consumer loop.
	step("supervisor", 8*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.closeBackends() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

func (a *App) closeBackends() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	return errors.Join(errs...)
}
