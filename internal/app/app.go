// Package app wires the daemon together: config, store, adapters, the
// polling engine, the HTTP API and the optional notifier, all supervised
// under one context.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"pibackend/internal/config"
	"pibackend/internal/eventbus"
	"pibackend/internal/httpapi"
	"pibackend/internal/metrics"
	"pibackend/internal/notify"
	"pibackend/internal/poller"
	"pibackend/internal/runtime/supervisor"
	"pibackend/internal/source"
	"pibackend/internal/source/astro"
	"pibackend/internal/source/gpsd"
	"pibackend/internal/source/pois"
	"pibackend/internal/source/speedtest"
	"pibackend/internal/source/system"
	"pibackend/internal/source/ups"
	"pibackend/internal/source/weather"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

const defaultUPSPath = "/sys/class/power_supply/ups"

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st  *store.Store
	bus eventbus.Bus
	met *metrics.Set

	bindings source.Bindings
	reg      *poller.Registry
	sch      *poller.Scheduler
	api      *httpapi.Server
	notif    *notify.Service

	cron *cron.Cron
	sup  *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	busyTimeout, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Secrets come in via the environment and land in the api_keys table so
	// adapters have one place to look them up.
	for name, v := range config.ProviderKeysFromEnv() {
		if err := st.SetAPIKey(context.Background(), name, v); err != nil {
			log.Warn("api key not seeded", logx.String("name", name), logx.Err(err))
		}
	}

	a := &App{
		cfgm: cfgm,
		logs: logs,
		log:  log,
		st:   st,
		bus:  eventbus.New(),
		met:  metrics.New(),
	}

	client := source.NewClient(cfg.Sources.OutboundTimeout(), cfg.Sources.HostRPS())
	a.bindings = buildBindings(cfg, client, st, log)
	if err := checkJobSources(cfg, a.bindings); err != nil {
		_ = st.Close()
		return nil, err
	}
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return checkJobSources(c, a.bindings)
	})

	var backoff *poller.BackoffPolicy
	if b := cfg.Poller.Backoff; b != nil {
		backoff = &poller.BackoffPolicy{AfterFailures: b.AfterFailures, MaxInterval: b.Cap()}
	}
	a.reg = poller.NewRegistry(st, backoff, log)

	loc := newLocator(st, client, cfg.Location.Fallback, log)
	col := poller.NewCollector(a.reg, a.bindings, st, loc, a.bus, a.met, cfg.Poller.FetchTimeout(), log)
	a.sch = poller.NewScheduler(poller.Config{
		Enabled:        cfg.Poller.Enabled,
		Tick:           cfg.Poller.TickInterval(),
		Workers:        cfg.Poller.WorkerCount(),
		DefaultTimeout: cfg.Poller.FetchTimeout(),
		DrainTimeout:   cfg.Poller.DrainTimeout(),
		Backoff:        backoff,
	}, a.reg, col, a.met, log)

	if n := cfg.Notify; n != nil && n.Enabled {
		a.notif, err = notify.New(notify.Config{
			Token:            n.Token,
			ChatID:           n.ChatID,
			FailureThreshold: n.Threshold(),
			RatePerMin:       n.Rate(),
		}, a.bus, log)
		if err != nil {
			log.Warn("notifier disabled", logx.Err(err))
			a.notif = nil
		}
	}

	metricsHandler := promhttp.HandlerFor(a.met.Registry(), promhttp.HandlerOpts{})
	a.api = httpapi.NewServer(cfg.HTTP, st, a.reg, a.sch, httpapi.Admin{
		Reload: a.reloadConfig,
		Prune:  a.pruneNow,
		Health: a.healthExtras,
	}, metricsHandler, log)

	return a, nil
}

// buildBindings constructs every adapter once at startup. Adapters that
// wrap a device own it exclusively; everything REST-facing reads through
// the same in-process map, never over loopback HTTP.
func buildBindings(cfg *config.Config, client *source.Client, st *store.Store, log logx.Logger) source.Bindings {
	upsPath := cfg.Sources.UPSPath
	if strings.TrimSpace(upsPath) == "" {
		upsPath = defaultUPSPath
	}

	b := source.Bindings{}
	b.Add(system.New("/"))
	b.Add(gpsd.New(cfg.Sources.Gpsd()))
	b.Add(ups.New(ups.NewSysfsReader(upsPath)))
	b.Add(weather.New(client, st, cfg.Sources.WeatherProviders))
	b.Add(pois.New(client, cfg.Sources.POIRadius(), nil))
	b.Add(astro.New(client, st))
	b.Add(astro.NewSpaceWeather(client))
	b.Add(speedtest.New())

	log.Info("sources bound", logx.Any("names", b.Names()))
	return b
}

func checkJobSources(cfg *config.Config, b source.Bindings) error {
	for _, j := range cfg.Jobs {
		if _, ok := b.Resolve(j.Source); !ok {
			return fmt.Errorf("jobs: source %q has no adapter (have: %s)",
				j.Source, strings.Join(b.Names(), ", "))
		}
	}
	return nil
}

func jobSpecs(cfg *config.Config) []poller.JobSpec {
	jobs := cfg.Jobs
	if len(jobs) == 0 {
		jobs = config.DefaultJobs()
	}
	out := make([]poller.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, poller.JobSpec{
			Source:       j.Source,
			Interval:     j.PollInterval(),
			Timeout:      j.FetchTimeout(0),
			Enabled:      j.IsEnabled(),
			UsesLocation: j.UsesLocation,
			LogFailures:  j.LogFailures,
		})
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	cfg := a.cfgm.Get()

	if err := a.reg.Load(a.sup.Context(), jobSpecs(cfg)); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	if cfg.Poller.Enabled {
		a.sup.GoRestart("poller.scheduler", a.sch.Run)
	} else {
		a.log.Info("poller disabled, serving stored data only")
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cfg.Poller.PruneCron(), a.cronPrune); err != nil {
		return fmt.Errorf("poller.prune_schedule: %w", err)
	}
	a.cron.Start()

	if a.notif != nil {
		a.sup.GoRestart("notify", a.notif.Run)
	}

	a.sup.Go("http", a.api.Run)
	a.startWatchdog()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started",
		logx.String("addr", cfg.HTTP.ListenAddr()),
		logx.Int("jobs", a.reg.Len()),
		logx.Bool("poller", cfg.Poller.Enabled))
	return nil
}

// startWatchdog pings systemd at half the configured WatchdogSec so a hung
// process gets restarted by the unit, not by hand.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Done is closed when the supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	err := a.sup.Stop(ctx)
	if cerr := a.st.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

// reloadConfig is the admin reload hook: re-read the file, and on success
// swap the job set and re-apply logging. Listener address, tick and worker
// pool changes still need a restart; they are logged so the operator knows.
func (a *App) reloadConfig(ctx context.Context) error {
	prev := a.cfgm.Get()
	cfg, err := a.cfgm.Reload(ctx)
	if err != nil {
		return err
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.reg.Replace(jobSpecs(cfg))

	if prev != nil {
		if cfg.HTTP.ListenAddr() != prev.HTTP.ListenAddr() {
			a.log.Warn("http.addr changed, restart required to take effect")
		}
		if cfg.Poller.TickInterval() != prev.Poller.TickInterval() ||
			cfg.Poller.WorkerCount() != prev.Poller.WorkerCount() {
			a.log.Warn("poller tick/workers changed, restart required to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.EventConfigReload,
		Data: map[string]any{"jobs": a.reg.Len()},
	})
	return nil
}

func (a *App) cronPrune() {
	ctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Minute)
	defer cancel()
	if _, err := a.pruneNow(ctx); err != nil {
		a.log.Error("scheduled prune failed", logx.Err(err))
	}
}

func (a *App) pruneNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-a.cfgm.Get().Poller.Retention())
	n, err := a.st.PruneReadings(ctx, cutoff)
	if n > 0 {
		a.met.Pruned(n)
		a.bus.Publish(eventbus.Event{
			Type: eventbus.EventStorePruned,
			Data: map[string]any{"deleted": n, "cutoff": cutoff.UTC()},
		})
	}
	if err == nil {
		a.log.Info("readings pruned", logx.Int("deleted", int(n)))
	}
	return n, err
}

func (a *App) healthExtras() map[string]any {
	out := map[string]any{
		"supervisor": a.sup.Snapshot(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if n, err := a.st.CountReadings(ctx, ""); err == nil {
		out["readings_stored"] = n
	}
	return out
}
