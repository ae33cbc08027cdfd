package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/config"
	"github.com/meridiandb/meridian/kv/engine"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("db-path", "", "data directory, overrides the config file")
	statusAddr = flag.String("status-addr", "", "status/pprof listen address, overrides the config file")
)

func main() {
	flag.Parse()
	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		if err := cfg.FromTOML(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}

	logger, props, err := log.InitLogger(&log.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.ReplaceGlobals(logger, props)

	if err := cfg.Validate(); err != nil {
		log.Fatal("bad configuration", zap.Error(err))
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Fatal("engine failed to start", zap.Error(err))
	}

	// pprof hangs off the default mux
	http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	go func() {
		if err := http.ListenAndServe(cfg.StatusAddr, nil); err != nil {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("meridian up",
		zap.String("db-path", cfg.DBPath),
		zap.String("status-addr", cfg.StatusAddr),
		zap.String("metrics-addr", cfg.MetricsAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	if err := eng.Close(); err != nil {
		log.Fatal("shutdown", zap.Error(err))
	}
	log.Info("bye")
}
