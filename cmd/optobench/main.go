package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/optobench/internal/api"
	"github.com/banshee-data/optobench/internal/bench"
	"github.com/banshee-data/optobench/internal/config"
	"github.com/banshee-data/optobench/internal/db"
	"github.com/banshee-data/optobench/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON configuration file")
	devMode     = flag.Bool("dev", false, "Run against simulated instruments")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	dbPath      = flag.String("db", "", "Run index database path (overrides config)")
	noConnect   = flag.Bool("no-connect", false, "Do not connect the instruments at startup")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Print(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open run index: %v", err)
	}
	defer database.Close()
	runs := db.NewRunStore(database)

	b, err := bench.Open(ctx, cfg, bench.Options{Simulate: *devMode, Recorder: runs})
	if err != nil {
		log.Fatalf("failed to set up instruments: %v", err)
	}
	defer b.Close()

	if !*noConnect {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := b.Connect(connectCtx); err != nil {
			// The API can retry through /api/*/connect.
			log.Printf("instrument connection failed: %v", err)
		}
		cancel()
	}

	srv := api.NewServer(api.Config{
		Lab:                       b.Lab,
		Runs:                      runs,
		LogsDir:                   cfg.GetLogsDir(),
		DefaultStabilizationDelay: cfg.GetStabilizationDelay(),
		BaseContext:               ctx,
	})

	mux := srv.ServeMux()
	b.CurrentSource.AttachAdminRoutes(mux, b.Lab.CurrentSourceCommand)
	b.PowerMeter.AttachAdminRoutes(mux, b.Lab.PowerMeterCommand)
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Printf("failed to attach database admin routes: %v", err)
	}

	var wg sync.WaitGroup

	// forward measurement points to event stream subscribers
	forwardCtx, stopForward := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, points := b.Points.Subscribe()
		defer b.Points.Unsubscribe(id)
		srv.Events().Forward(forwardCtx, points)
	}()

	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopForward()
	wg.Wait()

	// The sweep runs on ctx, which is already cancelled; wait for it to
	// switch the laser off before tearing anything down.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("sweep shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("graceful shutdown complete")
}
