package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/config"
	"bakerstreet/internal/health"
	"bakerstreet/internal/hub"
	"bakerstreet/internal/logging"
	"bakerstreet/internal/reactor"
	"bakerstreet/internal/telemetry"
	"bakerstreet/internal/watson"
)

func main() {
	var cfgPath, level string
	flag.StringVar(&cfgPath, "config", "watson.json", "path to the watson JSON configuration")
	flag.StringVar(&level, "log-level", "", "override log.level (trace, debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadWatson(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watson: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if level != "" {
		cfg.Log.Level = level
	}
	logger := logging.New("watson", cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("watson exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Watson, logger hclog.Logger) error {
	checker, err := health.NewCheckerFromConfig(cfg.HealthCheck)
	if err != nil {
		return err
	}
	endpoint, err := watson.EndpointFromURL(cfg.Service.Name, cfg.Service.URL, cfg.Service.Path)
	if err != nil {
		return err
	}
	metrics, err := telemetry.New("watson")
	if err != nil {
		return err
	}

	loop := reactor.New()
	client := hub.NewClient(dialerFor(cfg.Registry), loop, logger.Named("hub"))
	w := watson.New(watson.Options{
		Client:    client,
		Checker:   checker,
		Endpoint:  endpoint,
		URL:       cfg.Service.URL,
		Frequency: cfg.Frequency.D(),
		Scheduler: loop,
		Logger:    logger,
		Metrics:   metrics,
	})

	ctx, cancel := signalContext()
	defer cancel()

	loop.Post(w.Start)
	err = loop.Run(ctx)

	// Withdraw the endpoint on the way out; the loop is stopped, so this
	// goroutine owns the state now.
	w.Stop()
	logger.Info("stopped")
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

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		// a second signal forces exit if shutdown hangs
		go func() {
			<-c
			os.Exit(1)
		}()
		cancel()
	}()
	return ctx, cancel
}
