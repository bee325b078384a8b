package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/api"
	"bakerstreet/internal/config"
	"bakerstreet/internal/haproxy"
	"bakerstreet/internal/hub"
	"bakerstreet/internal/logging"
	"bakerstreet/internal/reactor"
	"bakerstreet/internal/sherlock"
	"bakerstreet/internal/state"
	"bakerstreet/internal/telemetry"
)

func main() {
	var cfgPath, level string
	flag.StringVar(&cfgPath, "config", "sherlock.json", "path to the sherlock JSON configuration")
	flag.StringVar(&level, "log-level", "", "override log.level (trace, debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadSherlock(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sherlock: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if level != "" {
		cfg.Log.Level = level
	}
	logger := logging.New("sherlock", cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("sherlock exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Sherlock, logger hclog.Logger) error {
	base, err := haproxy.LoadTemplate(cfg.Proxy.ConfigTemplate)
	if err != nil {
		return err
	}
	renderer, err := haproxy.NewRenderer(base, haproxy.Params{
		PIDPath:      cfg.Proxy.PIDPath,
		FrontendPort: cfg.Proxy.FrontendPort,
		RunDir:       cfg.Proxy.RunDir,
	}, logger.Named("render"))
	if err != nil {
		return err
	}
	metrics, err := telemetry.New("sherlock")
	if err != nil {
		return err
	}

	loop := reactor.New()
	options := []haproxy.ManagerOption{
		haproxy.WithLogger(logger.Named("haproxy")),
		haproxy.WithTelemetry(metrics),
		haproxy.WithClock(loop.Now),
	}
	if cfg.StatePath != "" {
		store, err := state.Open(cfg.StatePath)
		if err != nil {
			return err
		}
		defer store.Close()
		options = append(options, haproxy.WithStore(store))
	}
	manager, err := haproxy.NewReloadManager(renderer, haproxy.ReloadOptions{
		ConfigPath:    cfg.Proxy.ConfigPath,
		Executable:    cfg.Proxy.Executable,
		ReloadCommand: cfg.Proxy.ReloadCommand,
		PIDPath:       cfg.Proxy.PIDPath,
		RunDir:        cfg.Proxy.RunDir,
		Timeout:       cfg.Proxy.ReloadTimeout.D(),
		Interval:      cfg.Proxy.ReloadInterval.D(),
		Burst:         cfg.Proxy.ReloadBurst,
	}, options...)
	if err != nil {
		return err
	}

	client := hub.NewClient(dialerFor(cfg.Registry), loop, logger.Named("hub"))
	s := sherlock.New(sherlock.Options{
		Client:         client,
		Writer:         manager,
		Scheduler:      loop,
		SyncDelay:      cfg.SyncDelay.D(),
		Debounce:       cfg.Debounce.D(),
		ReconnectDelay: cfg.ReconnectDelay.D(),
		Logger:         logger,
		Metrics:        metrics,
	})

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Status.Listen != "" {
		srv := &api.HTTPServer{
			Addr:    cfg.Status.Listen,
			Metrics: metrics,
			Logger:  logger.Named("api"),
			Status: func(ctx context.Context) (sherlock.Status, error) {
				ch := make(chan sherlock.Status, 1)
				if err := loop.Call(ctx, func() { ch <- s.Snapshot() }); err != nil {
					return sherlock.Status{}, err
				}
				return <-ch, nil
			},
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status API failed", "error", err)
				cancel()
			}
		}()
	}

	loop.Post(s.Start)
	err = loop.Run(ctx)
	s.Stop()
	logger.Info("stopped", "last_fingerprint", manager.LastApplied())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func dialerFor(r config.Registry) hub.Dialer {
	if r.Transport == "etcd" {
		return &hub.EtcdDialer{
			Endpoints:   r.Etcd.Endpoints,
			Prefix:      r.Etcd.Prefix,
			LeaseTTL:    r.Etcd.LeaseTTL.D(),
			DialTimeout: r.Etcd.DialTimeout.D(),
			Username:    r.Etcd.Username,
			Password:    r.Etcd.Password,
		}
	}
	return hub.NewWebsocketDialer(hub.GatewayOptions{Token: r.Token, Host: r.Host, Port: r.Port, Secure: r.Secure})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		go func() {
			<-c
			os.Exit(1)
		}()
		cancel()
	}()
	return ctx, cancel
}
