package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/metrics"
	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/zonesim"
	"portalview.ai/internal/transport/observer"
	"portalview.ai/internal/transport/ws"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/portalview.yaml", "zone and portal config (empty for built-in defaults)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides persistence.data_dir)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session index")
		logLevel   = flag.String("log_level", envOr("PV_LOG_LEVEL", "info"), "log level")
		logFormat  = flag.String("log_format", envOr("PV_LOG_FORMAT", "text"), "log format: text or json")
	)
	flag.Parse()

	logger := logging.New(*logLevel, *logFormat)
	log := logger.WithField("component", "server")

	cfg, err := multiworld.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.WithError(err).Fatal("apply env")
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.Persistence.DataDir = *dataDir
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, cancel := signalContext()
	defer cancel()

	persist, err := openPersistence(ctx, cfg.Persistence, *disableDB, os.Getenv, logger)
	if err != nil {
		log.WithError(err).Fatal("open persistence")
	}
	defer persist.Close()
	if persist.index != nil {
		if err := persist.index.UpsertConfig(cfg); err != nil {
			log.WithError(err).Warn("index: upsert config")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	persist.register(reg)

	feed := observer.NewHub()
	obs := multiworld.Fanout(append([]multiworld.Observer{rec, feed}, persist.observers()...))
	world := zonesim.NewWorld(cfg.SimSpecs()...)
	mgr, err := multiworld.NewManager(cfg, world, logger, obs)
	if err != nil {
		log.WithError(err).Fatal("manager")
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := mgr.Run(ctx); err != nil && err != context.Canceled {
			log.WithError(err).Error("manager stopped")
		}
	}()

	validator, err := protocol.NewValidator()
	if err != nil {
		log.WithError(err).Fatal("protocol schemas")
	}
	wsSrv := ws.NewServer(mgr, validator, ws.Options{Strict: cfg.StrictProtocol}, logger)
	metrics.Gauges(reg, mgr.SessionCount, wsSrv.Active)

	metrics.ObserverGauges(reg, feed.Subscribers, feed.Dropped)

	mux := buildMux(mgr, wsSrv, reg, persist, log, muxOptions{
		Admin: envBool("PV_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		Pprof: envBool("PV_ENABLE_PPROF_HTTP", false),
		Feed:  observer.NewServer(mgr, feed, logger.WithField("component", "observer")),
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.WithFields(logrus.Fields{
		"addr":    *addr,
		"zones":   len(cfg.Zones),
		"portals": len(cfg.Portals),
		"tick_hz": cfg.TickRateHz,
	}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("ListenAndServe")
	}
	cancel()
	<-runDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
