package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordely/printbridge/bridge"
	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/discover"
	"github.com/ordely/printbridge/dispatch"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/joblog"
	"github.com/ordely/printbridge/metrics"
	"github.com/ordely/printbridge/pool"
	"github.com/ordely/printbridge/service"
	"github.com/ordely/printbridge/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	discoverOnce := flag.Bool("discover", false, "discover printers on the network and exit")
	flag.Parse()

	// Handle discovery mode.
	if *discoverOnce {
		runDiscovery()
		return
	}

	// Load configuration.
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Printbridge starting")
	log.Printf("Server: %s", cfg.ListenAddr())
	log.Printf("Data directory: %s", cfg.Store.DataDir)

	metrics.Register()

	// Open the persistent store.
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	jobs, err := joblog.NewManager(cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("Failed to open job log: %v", err)
	}

	// Device registry and connection pool.
	registry := device.NewRegistry()
	pm := pool.NewManager(registry, nil, cfg.PoolPolicy())

	// Discovery engine; the radio pass is optional.
	var radio discover.RadioScanner
	if cfg.Discovery.Radio {
		radio = discover.RFCOMMScanner{}
	}
	engine := discover.NewEngine(cfg.DiscoverConfig(), radio)

	// Dispatcher and service facade.
	encoder := escpos.Encoder{Currency: cfg.Printing.Currency}
	disp := dispatch.New(pm, encoder, cfg.DispatchConfig())
	svc := service.New(registry, st, engine, pm, disp, jobs, service.Config{
		DefaultDeviceID: cfg.Printing.DefaultDevice,
		Currency:        cfg.Printing.Currency,
	})
	svc.LoadPersisted()

	// HTTP/WebSocket bridge.
	server := bridge.NewServer(bridge.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, svc, jobs)
	svc.SetNotifier(server.Hub())

	// Connection state changes feed metrics, the UI, and the store.
	pm.SetStateListener(func(s pool.State) {
		metrics.SetConnectionState(s.DeviceID, string(s.Status))
		server.Hub().Notify("device_state", s)
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Background health checks.
	go pm.RunHealthChecks(ctx)

	// Initial discovery pass, then optional periodic rescans.
	scope := discover.Scope{Subnet: cfg.Discovery.Subnet, Radio: cfg.Discovery.Radio}
	go svc.TriggerDiscovery(ctx, scope)
	if cfg.Discovery.RescanInterval > 0 {
		go runRescans(ctx, svc, scope, time.Duration(cfg.Discovery.RescanInterval)*time.Minute)
	}

	// Handle graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)

		cancel()
		pm.DisconnectAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)

		os.Exit(0)
	}()

	// Start the HTTP server (blocks).
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func runRescans(ctx context.Context, svc *service.Service, scope discover.Scope, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			svc.TriggerDiscovery(ctx, scope)
		case <-ctx.Done():
			return
		}
	}
}

func runDiscovery() {
	log.Println("Discovering receipt printers on the network...")

	engine := discover.NewEngine(discover.DefaultConfig(), discover.RFCOMMScanner{})
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	var found []device.Descriptor
	for desc := range engine.Discover(ctx, discover.Scope{Radio: true}) {
		found = append(found, desc)
	}

	if len(found) == 0 {
		fmt.Println("No printers found.")
		return
	}

	fmt.Printf("Found %d printer(s):\n", len(found))
	for i, d := range found {
		fmt.Printf("  %d. %s - %s %s\n", i+1, d.ID, d.Transport, d.Address)
	}
}
