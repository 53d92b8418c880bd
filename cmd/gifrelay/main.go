package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivlev/gifrelay/internal/config"
	"github.com/ivlev/gifrelay/internal/relay"
	"github.com/ivlev/gifrelay/internal/renderer"
	"github.com/ivlev/gifrelay/internal/server"
	"github.com/ivlev/gifrelay/internal/system"
)

var version = "dev"

func main() {
	configPtr := flag.String("config", "", "Path to a YAML config file (defaults are used if empty)")
	listenPtr := flag.String("listen", config.DefaultListen, "Listen address")
	overlayPtr := flag.String("overlay", config.DefaultOverlayPath, "Path to the overlay SVG")
	timeoutPtr := flag.Duration("timeout", config.DefaultRequestTimeout, "Per-request timeout")
	workersPtr := flag.Int("workers", 0, "Compositing goroutines per request (0 = logical CPU count)")
	maxInFlightPtr := flag.Int("max-in-flight", 0, "Concurrent requests admitted (0 = unbounded)")
	strictPtr := flag.Bool("strict-status", false, "Answer failures with a matching HTTP status instead of 200")
	statsPtr := flag.Bool("stats", false, "Log per-request timing")
	versionPtr := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *versionPtr {
		fmt.Println(version)
		return
	}

	cfg := config.Default()
	if *configPtr != "" {
		loaded, err := config.Load(*configPtr)
		if err != nil {
			log.Fatalf("[-] Config error: %v", err)
		}
		cfg = loaded
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listenPtr
		case "overlay":
			cfg.OverlayPath = *overlayPtr
		case "timeout":
			cfg.RequestTimeout = *timeoutPtr
		case "workers":
			cfg.Workers = *workersPtr
		case "max-in-flight":
			cfg.MaxInFlight = *maxInFlightPtr
		case "strict-status":
			cfg.StrictStatus = *strictPtr
		case "stats":
			cfg.ShowStats = *statsPtr
		}
	})
	cfg.BuildVersion = version
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[-] Config error: %v", err)
	}

	system.InitResourceLimits(8192)
	workers := system.WorkerCount(cfg.Workers)
	log.Printf("[*] gifrelay %s | %s | %d compositing workers", cfg.BuildVersion, system.HostSummary(), workers)

	overlays := renderer.NewCache(cfg.OverlayPath)
	if o, err := overlays.Get(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[!] Overlay %s not found, requests will fail until it exists", cfg.OverlayPath)
		} else {
			log.Printf("[!] Overlay %s not usable yet: %v", cfg.OverlayPath, err)
		}
	} else {
		log.Printf("[*] Overlay %s loaded (%d paths)", cfg.OverlayPath, o.Paths())
	}

	srv := server.New(cfg, relay.New(cfg, nil), overlays, workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[+++] Listening on %s (hosts: %v)", cfg.Listen, cfg.AllowedHosts)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[-] Server error: %v", err)
	}
	log.Printf("[*] Stopped")
}
