// Command serviceplace runs one Place's Orchestrator as a standalone
// process: it wires a rule-base-backed RuleEngine, an HTTP
// ServiceInvoker registry, an HTTP Router, and a chosen Instrumenter,
// then runs until terminated. Construction-then-run lifecycle
// mirrors the teacher's graph.New(...)+engine.Run(...) shape
// (see examples/prometheus_monitoring/main.go for the signal-handling
// pattern this is adapted from).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prometheusclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/auroraworks/servicethread/instrument/logemitter"
	instrumentprom "github.com/auroraworks/servicethread/instrument/prometheus"
	"github.com/auroraworks/servicethread/invoker"
	"github.com/auroraworks/servicethread/invoker/httpsvc"
	"github.com/auroraworks/servicethread/join"
	"github.com/auroraworks/servicethread/measurements/sqlitestore"
	"github.com/auroraworks/servicethread/place"
	"github.com/auroraworks/servicethread/reactor"
	"github.com/auroraworks/servicethread/router"
	"github.com/auroraworks/servicethread/rules/fileengine"
	"github.com/auroraworks/servicethread/transport/httppublisher"
	"github.com/auroraworks/servicethread/transport/httpreactor"
)

func main() {
	configPath := flag.String("config", "place.yaml", "path to place configuration YAML")
	ruleRoot := flag.String("rule-root", "./rules", "directory containing RuleFolder.<version> trees")
	bindingsPath := flag.String("bindings", "bindings.yaml", "path to service-operation HTTP endpoint bindings")
	measurementsPath := flag.String("measurements-db", "", "sqlite path for measurement rows (empty disables)")
	instrumenterKind := flag.String("instrumenter", "log", "log|prometheus")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := place.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", &place.ErrReactorStartupFailure{Cause: err})
		os.Exit(1)
	}

	rulesEngine := fileengine.New(*ruleRoot)

	invokerRegistry := invoker.NewRegistry()
	if err := bindOperations(invokerRegistry, *bindingsPath); err != nil {
		logger.Error("failed to bind service operations", "error", err)
		os.Exit(1)
	}

	publisher := httppublisher.New()
	rtr := router.New(rulesEngine, publisher)
	if cfg.ForkRateLimitPerSecond > 0 {
		rtr.SetChannelRateLimit(rate.Limit(cfg.ForkRateLimitPerSecond), cfg.ForkRateLimitBurst)
	}

	rct := reactor.New(cfg.ReactorCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := httpreactor.New(rct, net.JoinHostPort(cfg.ServiceChannel, cfg.RulePort))
	retryDelay := time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond
	if err := reactor.Start(ctx, inbound.Start, cfg.MaxReactorRetries, retryDelay); err != nil {
		logger.Error("failed to start reactor transport", "error", &place.ErrReactorStartupFailure{Cause: err})
		os.Exit(1)
	}

	mode := join.Sequential
	if cfg.EnableCompletedJoinPriority {
		mode = join.Optimized
	}
	joins := join.New(mode)

	opts := []place.Option{place.WithLogger(logger)}

	if *measurementsPath != "" {
		store, err := sqlitestore.New(*measurementsPath)
		if err != nil {
			logger.Error("failed to open measurements store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, place.WithMeasurementsStore(store))
	}

	switch *instrumenterKind {
	case "prometheus":
		registry := prometheusclient.NewRegistry()
		metrics := instrumentprom.New(registry)
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics server listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		opts = append(opts, place.WithInstrumenter(metrics))
	default:
		opts = append(opts, place.WithInstrumenter(logemitter.New(os.Stdout, false)))
	}

	orch := place.New(cfg, place.Components{
		Reactor: rct,
		Joins:   joins,
		Rules:   rulesEngine,
		Invoker: invokerRegistry,
		Router:  rtr,
	}, opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt signal, shutting down")
		orch.Shutdown()
		cancel()
	}()

	logger.Info("starting place", "service", cfg.ServiceName)
	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator run error", "error", err)
		os.Exit(1)
	}
	logger.Info("place stopped")
}

// binding is one row of the bindings.yaml file mapping a
// (service, operation) to the HTTP endpoint that implements it.
type binding struct {
	Service   string            `yaml:"service"`
	Operation string            `yaml:"operation"`
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method"`
	Headers   map[string]string `yaml:"headers"`
	TimeoutMs int               `yaml:"timeoutMs"`
}

type bindingsFile struct {
	Bindings []binding `yaml:"bindings"`
}

// bindOperations loads bindingsPath and registers an httpsvc.Func for
// every entry, matching the §4.6 grounding note that every operation
// named by a loaded rule base must resolve against the registry before
// any token reaches it (fail-fast, not per-token reflection lookup).
func bindOperations(reg *invoker.Registry, bindingsPath string) error {
	data, err := os.ReadFile(bindingsPath)
	if err != nil {
		return &place.ErrReactorStartupFailure{Cause: err}
	}
	var bf bindingsFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return &place.ErrReactorStartupFailure{Cause: err}
	}

	for _, b := range bf.Bindings {
		timeout := time.Duration(b.TimeoutMs) * time.Millisecond
		reg.Bind(b.Service, b.Operation, httpsvc.Func(httpsvc.Config{
			Method:            b.Method,
			URL:               b.URL,
			Headers:           b.Headers,
			InvocationCeiling: timeout,
		}))
	}
	return nil
}
